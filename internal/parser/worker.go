package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkeating/fourgate/internal/bus"
	"github.com/mkeating/fourgate/internal/event"
	"github.com/mkeating/fourgate/internal/log"
	"github.com/mkeating/fourgate/internal/metrics"
	"github.com/mkeating/fourgate/internal/registry"
	"github.com/mkeating/fourgate/internal/warehouse"
)

// Transport is the consuming side of the bus.
type Transport interface {
	Receive(ctx context.Context, topic string) (*bus.Delivery, error)
	Ack(ctx context.Context, msgID string) error
	Nack(ctx context.Context, msgID string, reason string) error
}

// Writer persists a raw event plus its canonical rows.
type Writer interface {
	WriteBatch(ctx context.Context, raw event.RawEvent, batch event.Batch) error
}

// Worker consumes one source's topic, classifies each delivery, and writes
// the result. Several workers may consume the same topic concurrently; the
// warehouse's msg_id dedup makes duplicate processing a no-op.
type Worker struct {
	src       *registry.Source
	parser    Parser
	transport Transport
	writer    Writer
	poll      time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewWorker builds the worker for a registered source, selecting the parser
// variant from the source kind.
func NewWorker(src *registry.Source, transport Transport, writer Writer, poll time.Duration, m *metrics.Metrics) (*Worker, error) {
	p, err := ForKind(src.Kind)
	if err != nil {
		return nil, fmt.Errorf("worker for source %q: %w", src.Name, err)
	}
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Worker{
		src:       src,
		parser:    p,
		transport: transport,
		writer:    writer,
		poll:      poll,
		logger:    log.WithComponent("worker").With("source", src.Name, "topic", src.Topic),
		metrics:   m,
	}, nil
}

// Run is the blocking consume loop; it returns when ctx is cancelled.
// Individual message failures never stop the loop: each delivery is isolated.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain processes deliveries until the topic is momentarily empty.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		d, err := w.transport.Receive(ctx, w.src.Topic)
		if err != nil {
			w.logger.Error("receive failed", "error", err)
			return
		}
		if d == nil {
			return
		}
		w.processDelivery(ctx, d)
	}
}

// processDelivery applies the ack policy:
//
//	undecodable envelope, malformed, ambiguous -> ack (drop, final)
//	fatal write                                -> ack (drop, operator-visible)
//	transient write                            -> nack (transport redelivers)
//	success or duplicate                       -> ack
func (w *Worker) processDelivery(ctx context.Context, d *bus.Delivery) {
	logger := w.logger.With("msg_id", d.MsgID, "attempt", d.Attempt)

	var raw event.RawEvent
	if err := json.Unmarshal(d.Payload, &raw); err != nil {
		logger.Warn("dropping undecodable envelope", "error", err)
		w.metrics.IncParseDrop(w.src.Name, "bad_envelope")
		w.ack(ctx, d.MsgID)
		return
	}
	// msg_id is transport-assigned; the envelope is published without it.
	raw.MsgID = d.MsgID

	batch, err := w.parser.Parse(raw)
	if err != nil {
		switch {
		case errors.Is(err, ErrMalformedPayload):
			logger.Warn("dropping malformed payload", "event_type", raw.EventType, "error", err)
			w.metrics.IncParseDrop(w.src.Name, "malformed")
		case errors.Is(err, ErrAmbiguous):
			logger.Warn("dropping ambiguous classification", "event_type", raw.EventType, "error", err)
			w.metrics.IncParseDrop(w.src.Name, "ambiguous")
		default:
			logger.Error("unexpected parse failure, dropping", "event_type", raw.EventType, "error", err)
			w.metrics.IncParseDrop(w.src.Name, "parse_error")
		}
		w.ack(ctx, d.MsgID)
		return
	}

	if batch.Empty() {
		logger.Debug("no canonical events", "event_type", raw.EventType)
	}

	if err := w.writer.WriteBatch(ctx, raw, batch); err != nil {
		if errors.Is(err, warehouse.ErrWriteFatal) {
			logger.Error("fatal warehouse write, dropping message", "error", err)
			w.metrics.IncWriteFatal(w.src.Name)
			w.ack(ctx, d.MsgID)
			return
		}
		logger.Warn("write failed, message will be redelivered", "error", err)
		w.nack(ctx, d.MsgID, err.Error())
		return
	}

	w.ack(ctx, d.MsgID)
}

func (w *Worker) ack(ctx context.Context, msgID string) {
	if err := w.transport.Ack(ctx, msgID); err != nil {
		// Failing to ack only means a redundant redelivery later; dedup
		// absorbs it.
		w.logger.Warn("ack failed", "msg_id", msgID, "error", err)
	}
}

func (w *Worker) nack(ctx context.Context, msgID, reason string) {
	if err := w.transport.Nack(ctx, msgID, reason); err != nil {
		w.logger.Warn("nack failed", "msg_id", msgID, "error", err)
	}
}
