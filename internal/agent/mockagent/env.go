package mockagent

import (
	"context"
	"os"
	"strconv"

	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/pkg/acp/jsonrpc"
)

// Environment switches read by ServeFromEnv.
const (
	EnvEnable         = "ACPBRIDGE_MOCK_AGENT"
	EnvFraming        = "ACPBRIDGE_MOCK_AGENT_FRAMING"
	EnvParamCasing    = "ACPBRIDGE_MOCK_AGENT_PARAM_CASING"
	EnvRequireAuth    = "ACPBRIDGE_MOCK_AGENT_REQUIRE_AUTH"
	EnvForgetSessions = "ACPBRIDGE_MOCK_AGENT_FORGET_SESSIONS"
)

// ServeFromEnv serves on stdin/stdout when EnvEnable is set and reports
// whether it did. Test binaries call it from TestMain so the bridge can
// spawn them as a real agent process.
func ServeFromEnv() bool {
	if os.Getenv(EnvEnable) == "" {
		return false
	}
	opts := Options{
		Framing:     jsonrpc.Framing(os.Getenv(EnvFraming)),
		ParamCasing: os.Getenv(EnvParamCasing),
		RequireAuth: os.Getenv(EnvRequireAuth) == "1",
	}
	if n, err := strconv.Atoi(os.Getenv(EnvForgetSessions)); err == nil {
		opts.ForgetSessions = n
	}
	Serve(context.Background(), os.Stdin, os.Stdout, opts, logger.NewNop())
	return true
}
