package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kandev/acpbridge/internal/common/logger"
)

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	log := logger.FromZap(zap.New(core))

	router := gin.New()
	router.Use(OtelTracing("test"), RequestLogger(log, "test"))
	router.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "fine") })
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, path := range []string{"/ok", "/boom"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
		assert.Equal(t, "/ok", entries[0].ContextMap()["path"])
		assert.EqualValues(t, 4, entries[0].ContextMap()["bytes"])
		assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
		assert.EqualValues(t, 500, entries[1].ContextMap()["status"])
	}
}
