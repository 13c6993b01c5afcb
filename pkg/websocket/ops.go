package websocket

// Op names one operation a client can request.
type Op string

const (
	OpConnect             Op = "connect"
	OpDisconnect          Op = "disconnect"
	OpAuthMethods         Op = "authMethods"
	OpAuthenticate        Op = "authenticate"
	OpSessionNew          Op = "session.new"
	OpSessionState        Op = "session.state"
	OpSessionSelectThread Op = "session.selectThread"
	OpSessionSetMode      Op = "session.setMode"
	OpPrompt              Op = "prompt"
	OpCancel              Op = "cancel"
	OpModelsList          Op = "models.list"
	OpModelSelect         Op = "model.select"
	OpPermission          Op = "permission"
	OpTerminalCreate      Op = "terminal.create"
	OpTerminalOutput      Op = "terminal.output"
	OpTerminalKill        Op = "terminal.kill"
	OpTerminalRelease     Op = "terminal.release"
	OpTerminalWaitForExit Op = "terminal.waitForExit"
)

// Ops is the closed catalogue. A dispatcher must cover every entry.
var Ops = []Op{
	OpConnect,
	OpDisconnect,
	OpAuthMethods,
	OpAuthenticate,
	OpSessionNew,
	OpSessionState,
	OpSessionSelectThread,
	OpSessionSetMode,
	OpPrompt,
	OpCancel,
	OpModelsList,
	OpModelSelect,
	OpPermission,
	OpTerminalCreate,
	OpTerminalOutput,
	OpTerminalKill,
	OpTerminalRelease,
	OpTerminalWaitForExit,
}

// Valid reports whether op is in the catalogue.
func (op Op) Valid() bool {
	for _, known := range Ops {
		if op == known {
			return true
		}
	}
	return false
}
