package main

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/acpbridge/internal/bridge"
	"github.com/kandev/acpbridge/internal/common/config"
	"github.com/kandev/acpbridge/internal/common/httpmw"
	"github.com/kandev/acpbridge/internal/common/logger"
	gateways "github.com/kandev/acpbridge/internal/gateway/websocket"
	ws "github.com/kandev/acpbridge/pkg/websocket"
)

const serverName = "acpbridge"

func provideRouter(ctx context.Context, cfg *config.Config, rt *bridge.Runtime, log *logger.Logger) (*gin.Engine, error) {
	gateway, err := gateways.NewGateway(ctx, rt, gateways.TimingFromConfig(cfg.Gateway), log)
	if err != nil {
		return nil, err
	}
	log.Info("WebSocket gateway initialized", zap.Int("ops", len(ws.Ops)))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(corsMiddleware())
	gateway.SetupRoutes(router)
	return router, nil
}
