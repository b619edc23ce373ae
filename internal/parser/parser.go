// Package parser turns raw event envelopes into canonical rows, one variant
// per source. Classification rules are the only per-source business logic in
// the pipeline; everything around them (transport, dedup, retry) is shared.
package parser

import (
	"errors"
	"fmt"

	"github.com/mkeating/fourgate/internal/event"
)

// ErrMalformedPayload means the payload did not match the source's known
// shapes. Final at the worker: the message is dropped, not retried.
var ErrMalformedPayload = errors.New("malformed payload")

// ErrAmbiguous means the payload matched a shape but carries contradictory
// classification signals. Workers drop rather than guess.
var ErrAmbiguous = errors.New("classification ambiguous")

// Parser derives zero or more canonical events from one raw event. An
// unsupported event_type yields an empty batch and a nil error; only payloads
// that should have been parseable produce errors.
type Parser interface {
	Parse(raw event.RawEvent) (event.Batch, error)
}

// ForKind returns the parser variant for a source kind. Adding a source kind
// extends this set without touching the intake gate.
func ForKind(kind event.Source) (Parser, error) {
	switch kind {
	case event.SourceGitHub:
		return GitHub{}, nil
	case event.SourceGitLab:
		return GitLab{}, nil
	case event.SourcePipeline:
		return Pipeline{}, nil
	case event.SourceDeploy:
		return DeployTool{}, nil
	case event.SourceIncident:
		return IncidentTool{}, nil
	default:
		return nil, fmt.Errorf("no parser for source kind %q", kind)
	}
}
