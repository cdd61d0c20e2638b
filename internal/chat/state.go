package chat

// State is the connection state of a Manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Error:
		return "ERROR"
	default:
		return "DISCONNECTED"
	}
}

// Label is the user-facing description of the state.
func (s State) Label() string {
	switch s {
	case Connecting:
		return "连接中..."
	case Connected:
		return "已连接"
	case Error:
		return "连接错误"
	default:
		return "未连接"
	}
}

// StateFromOrdinal maps a wire ordinal back to a State. Unknown values map
// to Disconnected.
func StateFromOrdinal(n int) State {
	if n < int(Disconnected) || n > int(Error) {
		return Disconnected
	}
	return State(n)
}
