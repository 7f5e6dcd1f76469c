// Package wire defines the JSON messages exchanged with live clients.
package wire

// Inbound is a client-to-server message. Only TypeMessage is acted on;
// any other type is ignored without error.
type Inbound struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Outbound is a server-to-client message.
type Outbound struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const (
	TypeMessage = "message"
	TypeAnswer  = "answer"
)

// Answer wraps text in the outbound answer envelope.
func Answer(text string) Outbound {
	return Outbound{Type: TypeAnswer, Text: text}
}
