package bus

import (
	"encoding/json"
	"time"
)

// Status of a message on the bus.
type Status string

const (
	// StatusReady means the message is eligible for delivery.
	StatusReady Status = "ready"

	// StatusLeased means a consumer holds the message; the lease expires at
	// leased_until, after which the message is redelivered.
	StatusLeased Status = "leased"

	// StatusDone means the message was acknowledged.
	StatusDone Status = "done"

	// StatusDead means delivery attempts were exhausted. Dead messages are
	// never redelivered; they are operator-visible via the ops API.
	StatusDead Status = "dead"
)

// Delivery is one delivery attempt of a message to a consumer.
type Delivery struct {
	MsgID   string
	Topic   string
	Payload json.RawMessage
	Attempt int
}

// Config tunes delivery behavior.
type Config struct {
	// VisibilityTimeout is how long a consumer may hold a delivery before it
	// becomes eligible for redelivery.
	VisibilityTimeout time.Duration

	// MaxAttempts bounds deliveries per message before it goes dead.
	MaxAttempts int

	// RetryBackoffBase is the first nack retry delay; it doubles per attempt.
	RetryBackoffBase time.Duration
}

// DefaultConfig returns conservative delivery defaults.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: 30 * time.Second,
		MaxAttempts:       5,
		RetryBackoffBase:  time.Second,
	}
}
