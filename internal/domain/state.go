package domain

// ConnectionState tracks one long-lived connection.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// LoginState mirrors the account service's view of the login. The
// remote service is authoritative; the local value is a cache of the
// last poll.
type LoginState int32

const (
	LoggedOut LoginState = iota
	AwaitingCredential
	LoggedIn
	Expired
)

func (s LoginState) String() string {
	switch s {
	case LoggedOut:
		return "logged_out"
	case AwaitingCredential:
		return "awaiting_credential"
	case LoggedIn:
		return "logged_in"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}
