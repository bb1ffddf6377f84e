package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-oss/aegis/pkg/errs"
)

func TestAppend_ChainsHashes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit_log.jsonl")

	log, err := Open(Options{Path: path, Actor: "tester"})
	require.NoError(t, err)

	e1, err := log.Append("run_start", map[string]interface{}{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, "", e1.PrevHash)

	e2, err := log.Append("run_done", map[string]interface{}{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, e1.Hash, e2.PrevHash)
	require.NoError(t, log.Close())

	require.NoError(t, VerifyFile(path, "", false))
}

func TestVerifyFile_DetectsTamper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit_log.jsonl")

	log, err := Open(Options{Path: path})
	require.NoError(t, err)
	_, err = log.Append("run_start", nil)
	require.NoError(t, err)
	_, err = log.Append("run_done", map[string]interface{}{"n": 1})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := append([]byte{}, raw...)
	for i, b := range tampered {
		if b == '1' {
			tampered[i] = '9'
			break
		}
	}
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	err = VerifyFile(path, "", false)
	require.Error(t, err)
}

// TestOpen_VerifyOnStartRejectsTamperedLog drives the actual S6 wiring
// (spec §8 S6: mutate a byte, rerun with audit.verify_on_start=true ->
// exit code 3), not just the lower-level VerifyFile helper: Open must
// refuse to continue a tampered chain and hand back an AuditTampered
// error whose ExitCode is 3.
func TestOpen_VerifyOnStartRejectsTamperedLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit_log.jsonl")

	log, err := Open(Options{Path: path})
	require.NoError(t, err)
	_, err = log.Append("run_start", nil)
	require.NoError(t, err)
	_, err = log.Append("run_done", map[string]interface{}{"n": 1})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := append([]byte{}, raw...)
	for i, b := range tampered {
		if b == '1' {
			tampered[i] = '9'
			break
		}
	}
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	_, err = Open(Options{Path: path, VerifyOnStart: true})
	require.Error(t, err)

	e, ok := err.(*errs.Error)
	require.True(t, ok, "Open must return a typed *errs.Error on verify-on-start failure")
	assert.Equal(t, errs.CategoryAuditTampered, e.Cat)
	assert.Equal(t, 3, e.Cat.ExitCode())
}

func TestAppend_SignsWhenSecretConfigured(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit_log.jsonl")

	log, err := Open(Options{Path: path, SignSecret: "k"})
	require.NoError(t, err)
	e, err := log.Append("run_start", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, e.Sig)
	require.NoError(t, log.Close())

	require.NoError(t, VerifyFile(path, "k", true))
}

func TestVerifyFile_RequireSigningFailsUnsigned(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit_log.jsonl")

	log, err := Open(Options{Path: path})
	require.NoError(t, err)
	_, err = log.Append("run_start", nil)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	err = VerifyFile(path, "", true)
	require.Error(t, err)
}
