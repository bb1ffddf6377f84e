package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/aegis-oss/aegis/pkg/config"
	"github.com/aegis-oss/aegis/pkg/errs"
	"github.com/aegis-oss/aegis/pkg/ingest"
	"github.com/aegis-oss/aegis/pkg/orchestrator"
	"github.com/aegis-oss/aegis/pkg/rules"
)

func runSimulateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("simulate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		scenarioPath  string
		configPath    string
		outDir        string
		policyPack    string
		ingestMode    string
		approverID    string
		approverToken string
	)

	cmd.StringVar(&scenarioPath, "scenario", "", "path to scenario document")
	cmd.StringVar(&configPath, "config", "", "path to the pipeline config document (REQUIRED)")
	cmd.StringVar(&outDir, "out", "", "output directory for run artifacts (REQUIRED)")
	cmd.StringVar(&policyPack, "policy-pack", "", "optional policy pack deep-merged onto config")
	cmd.StringVar(&ingestMode, "ingest-mode", "", "scenario|tail|modules_media (overrides config)")
	cmd.StringVar(&approverID, "approver-id", "", "active approver id")
	cmd.StringVar(&approverToken, "approver-token", "", "active approver signed token")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if configPath == "" || outDir == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --config and --out are required")
		return 2
	}

	cfg, configHash, err := config.LoadWithPolicyPack(configPath, policyPack)
	if err != nil {
		return reportError(stderr, err)
	}

	if ingestMode != "" {
		cfg.Pipeline.Ingest.Mode = ingestMode
	}
	if scenarioPath != "" {
		cfg.Pipeline.Ingest.Tail.Path = scenarioPath
	}

	var activeApprovers []config.ActiveApprover
	if approverID != "" {
		activeApprovers = append(activeApprovers, config.ActiveApprover{ID: approverID, Token: approverToken})
	}
	activeApprovers = append(activeApprovers, cfg.Pipeline.RBAC.ActiveApprovers...)

	ruleSet, err := rules.LoadFile(cfg.RuleFile)
	if err != nil {
		return reportError(stderr, err)
	}

	source, err := buildSource(cfg, scenarioPath)
	if err != nil {
		return reportError(stderr, err)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return reportError(stderr, errs.Store(outDir, err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = orchestrator.Run(ctx, orchestrator.Options{
		Cfg:             cfg,
		ConfigHash:      configHash,
		Source:          source,
		Rules:           ruleSet,
		ActiveApprovers: activeApprovers,
		OutDir:          outDir,
	})
	if err != nil {
		return reportError(stderr, err)
	}

	_, _ = fmt.Fprintf(stdout, "simulation complete: artifacts written to %s\n", outDir)
	return 0
}

func buildSource(cfg *config.Config, scenarioOverride string) (ingest.Source, error) {
	mode := cfg.Pipeline.Ingest.Mode
	switch mode {
	case "", "scenario":
		path := scenarioOverride
		if path == "" {
			path = cfg.Pipeline.Ingest.Tail.Path
		}
		if path == "" {
			return nil, errs.Config("ingest.mode", "scenario mode requires --scenario or ingest.tail.path")
		}
		return ingest.ScenarioSource{Path: path}, nil
	case "tail":
		return &ingest.TailSource{
			Path:            cfg.Pipeline.Ingest.Tail.Path,
			MaxItems:        cfg.Pipeline.Ingest.Tail.MaxItems,
			PollIntervalSec: cfg.Pipeline.Ingest.Tail.PollIntervalSec,
		}, nil
	case "modules_media":
		return ingest.MediaSource{}, nil
	default:
		return nil, errs.Config("ingest.mode", "unknown ingest mode %q", mode)
	}
}

// reportError prints the single diagnostic line spec §7 requires and
// returns the category's exit code.
func reportError(stderr io.Writer, err error) int {
	if e, ok := err.(*errs.Error); ok {
		_, _ = fmt.Fprintf(stderr, "Error [%s]: %s\n", e.Cat, e.Error())
		return e.Cat.ExitCode()
	}
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}
