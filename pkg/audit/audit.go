// Package audit implements the tamper-evident, hash-chained audit log
// (spec §4.9): append-only JSON lines, each linked to the previous entry's
// hash, optionally HMAC-signed.
package audit

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-oss/aegis/pkg/canonicalize"
	"github.com/aegis-oss/aegis/pkg/errs"
)

// Entry is a single tamper-evident audit record.
type Entry struct {
	Seq      int64                  `json:"seq"`
	Event    string                 `json:"event"`
	TSIso    string                 `json:"ts_iso"`
	Actor    string                 `json:"actor,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	PrevHash string                 `json:"prev_hash"`
	Hash     string                 `json:"hash"`
	Sig      string                 `json:"sig,omitempty"`
}

// Clock abstracts wall-clock time for deterministic tests.
type Clock func() time.Time

// Log is a single-writer, append-only hash-chained audit sink (spec §4.9,
// §5: "single-writer; if used concurrently, guarded by an internal mutex").
type Log struct {
	mu         sync.Mutex
	w          *os.File
	bw         *bufio.Writer
	actor      string
	signSecret []byte
	seq        int64
	prevHash   string
	clock      Clock
}

// Options configures a Log.
type Options struct {
	Path           string
	Actor          string
	SignSecret     string
	VerifyOnStart  bool
	RequireSigning bool
	Clock          Clock
}

// Open opens (creating if necessary) the audit log file at opts.Path,
// optionally verifying the existing chain first (spec §4.9).
func Open(opts Options) (*Log, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	if opts.VerifyOnStart {
		if err := VerifyFile(opts.Path, opts.SignSecret, opts.RequireSigning); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.Store(opts.Path, err)
	}

	l := &Log{
		w:     f,
		bw:    bufio.NewWriter(f),
		actor: opts.Actor,
		clock: opts.Clock,
	}
	if opts.SignSecret != "" {
		l.signSecret = []byte(opts.SignSecret)
	}

	seq, prevHash, err := tailState(opts.Path)
	if err != nil {
		_ = f.Close()
		return nil, errs.Store(opts.Path, err)
	}
	l.seq = seq
	l.prevHash = prevHash

	return l, nil
}

// tailState scans an existing audit file to recover the last seq/hash so a
// re-opened log continues the chain rather than restarting it.
func tailState(path string) (int64, string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	var seq int64
	var prevHash string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return 0, "", fmt.Errorf("corrupt audit line at seq %d: %w", seq+1, err)
		}
		seq = e.Seq
		prevHash = e.Hash
	}
	if err := sc.Err(); err != nil {
		return 0, "", err
	}
	return seq, prevHash, nil
}

// Append writes a new hash-linked entry and flushes it (spec §4.9: "Writes
// are line-buffered and flushed after each append").
func (l *Log) Append(event string, payload map[string]interface{}) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e := Entry{
		Seq:      l.seq,
		Event:    event,
		TSIso:    l.clock().UTC().Format(time.RFC3339Nano),
		Actor:    l.actor,
		Payload:  payload,
		PrevHash: l.prevHash,
	}

	hash, err := computeHash(&e)
	if err != nil {
		return nil, errs.Store("audit", err)
	}
	e.Hash = hash
	if l.signSecret != nil {
		e.Sig = sign(l.signSecret, hash)
	}

	b, err := json.Marshal(e)
	if err != nil {
		return nil, errs.Store("audit", err)
	}
	if _, err := l.bw.Write(append(b, '\n')); err != nil {
		return nil, errs.Store("audit", err)
	}
	if err := l.bw.Flush(); err != nil {
		return nil, errs.Store("audit", err)
	}

	l.prevHash = hash
	return &e, nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.bw.Flush(); err != nil {
		return err
	}
	return l.w.Close()
}

// computeHash hashes the canonical, sorted-key, no-whitespace serialization
// of an entry's fields (excluding hash/sig) prefixed by the previous hash,
// per spec §3/§4.9: "hash = H(canonical(seq‖event‖ts‖actor‖payload‖prev_hash))".
func computeHash(e *Entry) (string, error) {
	fields := map[string]interface{}{
		"seq":       e.Seq,
		"event":     e.Event,
		"ts_iso":    e.TSIso,
		"actor":     e.Actor,
		"payload":   e.Payload,
		"prev_hash": e.PrevHash,
	}
	canon, err := canonicalize.JCS(fields)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(e.PrevHash), canon...))
	return hex.EncodeToString(sum[:]), nil
}

// sign computes base64url_nopad(HMAC-SHA256(secret, hash)) per spec §4.9.
func sign(secret []byte, hash string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(hash))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyFile re-derives every entry's hash in an existing audit file and
// fails fast at the first mismatch (spec §4.9/§8 property 1, S6).
func VerifyFile(path string, signSecret string, requireSigning bool) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Store(path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	var prevHash string
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return errs.New(errs.CategoryAuditTampered, fmt.Sprintf("line %d", lineNo), "corrupt JSON: %v", err)
		}
		if e.PrevHash != prevHash {
			return errs.New(errs.CategoryAuditTampered, fmt.Sprintf("line %d", lineNo), "prev_hash mismatch")
		}
		got, err := computeHash(&e)
		if err != nil {
			return errs.Store(path, err)
		}
		if got != e.Hash {
			return errs.New(errs.CategoryAuditTampered, fmt.Sprintf("line %d", lineNo), "hash mismatch: stored %s computed %s", e.Hash, got)
		}
		if requireSigning && e.Sig == "" {
			return errs.New(errs.CategoryAuditUnsigned, fmt.Sprintf("line %d", lineNo), "entry is missing a signature")
		}
		if requireSigning && signSecret != "" {
			want := sign([]byte(signSecret), e.Hash)
			if !hmac.Equal([]byte(want), []byte(e.Sig)) {
				return errs.New(errs.CategoryAuditTampered, fmt.Sprintf("line %d", lineNo), "signature mismatch")
			}
		}
		prevHash = e.Hash
	}
	if err := sc.Err(); err != nil {
		return errs.Store(path, err)
	}
	return nil
}

// NewRunID returns a fresh, non-chained identifier for a run (distinct from
// the content-addressed audit/event hashes).
func NewRunID() string {
	return "run_" + uuid.New().String()
}
