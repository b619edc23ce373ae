package intake

import (
	"context"
	"time"
)

// Publisher is the producing side of the bus. Publish returns only after the
// message is durably queued; its error is mirrored into the HTTP status so
// the sender's webhook retry machinery covers publish failures.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
}

// Config holds intake server configuration.
type Config struct {
	Listen         string
	RequestTimeout time.Duration
}

// AcceptedResponse is the JSON response for accepted webhook deliveries.
type AcceptedResponse struct {
	MsgID string `json:"msg_id"`
}

// ErrorResponse is the JSON response for rejected deliveries.
type ErrorResponse struct {
	Error string `json:"error"`
}
