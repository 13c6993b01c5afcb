// Package main implements a mock agent binary that speaks ACP over
// stdin/stdout. It answers prompts with scripted updates so the bridge and
// web UIs can be exercised without a real coding agent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/kandev/acpbridge/internal/agent/mockagent"
	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/pkg/acp/jsonrpc"
)

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(2)
	}

	// stdout carries the protocol, so logs go to stderr.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "warn",
		Format:     "json",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mockagent.Serve(ctx, os.Stdin, os.Stdout, opts, log)
}

// parseOptions reads the command line into agent options.
func parseOptions(args []string) (mockagent.Options, error) {
	fs := pflag.NewFlagSet("mock-agent", pflag.ContinueOnError)
	framing := fs.String("framing", string(jsonrpc.FramingNewline), "message framing: newline or content-length")
	casing := fs.String("param-casing", "camel", "key style accepted by set_mode/set_model: camel or snake")
	requireAuth := fs.Bool("require-auth", false, "reject session/new until authenticate succeeds")
	forget := fs.Int("forget-sessions", 0, "answer the next N prompts with session not found (-1 for all)")
	if err := fs.Parse(args); err != nil {
		return mockagent.Options{}, err
	}

	f := jsonrpc.Framing(*framing)
	if f != jsonrpc.FramingNewline && f != jsonrpc.FramingContentLength {
		return mockagent.Options{}, fmt.Errorf("unknown framing %q", *framing)
	}
	if *casing != "camel" && *casing != "snake" {
		return mockagent.Options{}, fmt.Errorf("unknown param casing %q", *casing)
	}
	return mockagent.Options{
		Framing:        f,
		ParamCasing:    *casing,
		RequireAuth:    *requireAuth,
		ForgetSessions: *forget,
	}, nil
}
