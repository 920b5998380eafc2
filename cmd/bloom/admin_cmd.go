package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/howwee20/Bloom-sub001/pkg/archive"
	"github.com/howwee20/Bloom-sub001/pkg/kernel"
	"github.com/howwee20/Bloom-sub001/pkg/money"
)

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// runMigrateCmd applies the schema and exits.
func runMigrateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var configPath string
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	cfg, err := loadConfig(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: config: %v\n", err)
		return 2
	}
	setupLogging(cfg, stderr)
	db, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	_, _ = fmt.Fprintf(stdout, "schema up to date (%s)\n", db.Dialect())
	return 0
}

// runAgentCmd implements `bloom agent create`.
func runAgentCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "create" {
		_, _ = fmt.Fprintln(stderr, "Usage: bloom agent create [--user <id>] [--agent <id>]")
		return 2
	}
	cmd := flag.NewFlagSet("agent create", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var configPath, userID, agentID string
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.StringVar(&userID, "user", "", "Owning user id (generated when empty)")
	cmd.StringVar(&agentID, "agent", "", "Agent id (generated when empty)")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, configPath, stderr, kernel.Options{})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = rt.Close() }()

	agent, err := rt.kernel.CreateAgent(ctx, kernel.CreateAgentRequest{UserID: userID, AgentID: agentID})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	writeJSON(stdout, agent)
	return 0
}

// runVerifyCmd replays an agent's ledger. A failed replay flags the agent.
//
// Exit codes:
//
//	0 = ledger verified
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		configPath, agentID string
		jsonOutput          bool
	)
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.StringVar(&agentID, "agent", "", "Agent id (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if agentID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --agent is required")
		return 2
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, configPath, stderr, kernel.Options{})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = rt.Close() }()

	rep, err := rt.kernel.VerifyLedger(ctx, agentID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if jsonOutput {
		writeJSON(stdout, rep)
	} else if rep.Valid {
		_, _ = fmt.Fprintf(stdout, "%s✓ ledger verified%s %s (%d events, %d receipts)\n", colorGreen, colorReset, agentID, rep.Events, rep.Receipts)
	} else {
		_, _ = fmt.Fprintf(stdout, "✗ ledger verification failed for %s\n", agentID)
		for _, issue := range rep.Issues {
			_, _ = fmt.Fprintf(stdout, "  - %s: %s\n", issue.Kind, issue.Detail)
		}
	}
	if !rep.Valid {
		return 1
	}
	return 0
}

// runExportCmd archives an agent's ledger as content-addressed JSON lines.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var configPath, agentID, outDir string
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.StringVar(&agentID, "agent", "", "Agent id (REQUIRED)")
	cmd.StringVar(&outDir, "out", "", "Write to this directory instead of the configured archive")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if agentID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --agent is required")
		return 2
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, configPath, stderr, kernel.Options{})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = rt.Close() }()

	var dst archive.Store
	if outDir != "" {
		dst, err = archive.NewFileStore(outDir)
	} else {
		dst, err = archive.NewStoreFromConfig(ctx, rt.cfg)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: archive: %v\n", err)
		return 2
	}

	hash, rep, err := rt.kernel.ExportLedger(ctx, agentID, dst)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	writeJSON(stdout, map[string]any{"agent_id": agentID, "hash": hash, "valid": rep.Valid, "events": rep.Events})
	if !rep.Valid {
		return 1
	}
	return 0
}

// runHoldCmd implements `bloom hold create|settle|release`, the card-network
// side of authorization holds.
func runHoldCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: bloom hold <create|settle|release> --auth-id <id> [--agent <id> --amount-cents <n>]")
		return 2
	}
	sub := args[0]
	cmd := flag.NewFlagSet("hold "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		configPath, authID, agentID string
		amount                      int64
	)
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.StringVar(&authID, "auth-id", "", "Card authorization id (REQUIRED)")
	cmd.StringVar(&agentID, "agent", "", "Agent id (create only)")
	cmd.Int64Var(&amount, "amount-cents", 0, "Hold amount in cents (create only)")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if authID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --auth-id is required")
		return 2
	}
	switch sub {
	case "create":
		if agentID == "" || amount <= 0 {
			_, _ = fmt.Fprintln(stderr, "Error: create needs --agent and a positive --amount-cents")
			return 2
		}
	case "settle", "release":
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown hold subcommand: %s\n", sub)
		return 2
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, configPath, stderr, kernel.Options{})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = rt.Close() }()

	var verb string
	switch sub {
	case "create":
		_, err = rt.kernel.CreateHold(ctx, agentID, authID, amount)
		verb = fmt.Sprintf("created for %s", money.Format(amount))
	case "settle":
		_, err = rt.kernel.SettleHold(ctx, authID)
		verb = "settled"
	case "release":
		_, err = rt.kernel.ReleaseHold(ctx, authID)
		verb = "released"
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "hold %s %s\n", authID, verb)
	return 0
}
