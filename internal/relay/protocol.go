package relay

// Message is the JSON envelope exchanged on the relay websocket: control
// messages from the client, results and errors to it.
type Message struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript,omitempty"`
	Error      string `json:"error,omitempty"`
}

const (
	TypeInterim = "interim"
	TypeFinal   = "final"
	TypeError   = "error"
	TypeStop    = "stop"
)
