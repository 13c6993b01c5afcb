package main

import (
	"github.com/kandev/acpbridge/internal/common/config"
	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/internal/history"
	"github.com/kandev/acpbridge/internal/persistence"
)

func provideHistory(cfg *config.Config, log *logger.Logger) (history.Repository, []func() error, error) {
	cleanups := make([]func() error, 0, 2)
	dbConn, cleanup, err := persistence.Provide(cfg.Database, log)
	if err != nil {
		return nil, nil, err
	}
	cleanups = append(cleanups, cleanup)

	repo, cleanup, err := history.Provide(dbConn)
	if err != nil {
		for _, c := range cleanups {
			_ = c()
		}
		return nil, nil, err
	}
	cleanups = append(cleanups, cleanup)
	return repo, cleanups, nil
}
