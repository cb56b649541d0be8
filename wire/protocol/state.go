package protocol

// ServerRequestState is the per-request state machine run by the server
// routing core for each outstanding tunnelled request.
type ServerRequestState int

const (
	ServerPending ServerRequestState = iota
	ServerStreaming
	ServerComplete
	ServerAborted
)

func (s ServerRequestState) String() string {
	switch s {
	case ServerPending:
		return "pending"
	case ServerStreaming:
		return "streaming"
	case ServerComplete:
		return "complete"
	case ServerAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ClientRequestState is the per-request state machine run by the client
// execution core for each request it is replaying locally.
type ClientRequestState int

const (
	ClientReceived ClientRequestState = iota
	ClientBodyIn
	ClientBodySent
	ClientReplying
	ClientDone
)

func (s ClientRequestState) String() string {
	switch s {
	case ClientReceived:
		return "received"
	case ClientBodyIn:
		return "body-in"
	case ClientBodySent:
		return "body-sent"
	case ClientReplying:
		return "replying"
	case ClientDone:
		return "done"
	default:
		return "unknown"
	}
}
