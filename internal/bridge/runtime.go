// Package bridge assembles the runtime shared by every UI connection.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/acpbridge/internal/agent/acpclient"
	"github.com/kandev/acpbridge/internal/agent/lifecycle"
	"github.com/kandev/acpbridge/internal/agent/permission"
	"github.com/kandev/acpbridge/internal/agent/registry"
	"github.com/kandev/acpbridge/internal/agent/session"
	"github.com/kandev/acpbridge/internal/common/config"
	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/internal/events/bus"
	"github.com/kandev/acpbridge/internal/history"
	"github.com/kandev/acpbridge/internal/terminal"
)

// Runtime owns the agent connection, the active session, pending
// permission requests and terminals. Gateway handlers receive it
// explicitly; there is no package-level state.
type Runtime struct {
	Agent       *lifecycle.Manager
	Sessions    *session.Manager
	Permissions *permission.Manager
	Terminals   *terminal.Runner
	Registry    *registry.Registry
	Bus         bus.EventBus

	logger *logger.Logger
}

// New builds a runtime. repo may be nil for an in-memory history.
func New(cfg *config.Config, b bus.EventBus, repo history.Repository, log *logger.Logger) (*Runtime, error) {
	reg, err := registry.Load(cfg.Agent.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("load agent registry: %w", err)
	}

	permissions := permission.NewManager(b, log)
	terminals := terminal.NewRunner(terminal.OptionsFromConfig(cfg.Terminal), b, log)
	handlers := acpclient.New(permissions, terminals, b, log)
	agent := lifecycle.NewManager(cfg.Agent, reg, handlers, b, log)
	sessions := session.NewManager(agent, repo, session.Options{
		PromptTimeout: cfg.Agent.PromptTimeoutDuration(),
	}, b, log)

	return &Runtime{
		Agent:       agent,
		Sessions:    sessions,
		Permissions: permissions,
		Terminals:   terminals,
		Registry:    reg,
		Bus:         b,
		logger:      log.WithFields(zap.String("component", "runtime")),
	}, nil
}

// Close stops the agent and every terminal.
func (r *Runtime) Close(ctx context.Context) error {
	r.Sessions.Close()
	var errs []error
	if err := r.Agent.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect agent: %w", err))
	}
	if err := r.Terminals.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close terminals: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Warn("runtime shutdown incomplete", zap.Error(err))
		return err
	}
	r.logger.Info("runtime stopped")
	return nil
}
