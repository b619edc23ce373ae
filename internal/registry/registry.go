// Package registry holds the immutable table of authorized webhook sources.
// It is built once from configuration at startup and passed by reference to
// the intake gate and the worker layer; there is no ambient global lookup.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mkeating/fourgate/internal/config"
	"github.com/mkeating/fourgate/internal/event"
)

// ErrUnknownSource is returned when a request names a source that is not
// configured. The intake gate maps it to a client error without publishing.
var ErrUnknownSource = errors.New("unknown source")

// Scheme identifies a signature verification strategy.
type Scheme string

const (
	// SchemeHMACSHA256 verifies an HMAC-SHA256 over the raw request body.
	SchemeHMACSHA256 Scheme = "hmac-sha256"

	// SchemeToken compares a shared secret carried in a header.
	SchemeToken Scheme = "token"
)

// Source is one authorized event source with its verification strategy and
// routing topic.
type Source struct {
	Name            string
	Kind            event.Source
	Scheme          Scheme
	Secret          string
	SignatureHeader string
	EventTypeHeader string
	EventTypeField  string
	Topic           string
	MaxBodySize     int64
}

// Registry is the read-only source table. Safe for concurrent use; never
// mutated after construction.
type Registry struct {
	sources map[string]*Source
}

// FromConfig builds a Registry from configuration. Adding a source is a
// config change only; no code in the intake path knows source names.
func FromConfig(cfg map[string]config.SourceConfig) (*Registry, error) {
	if len(cfg) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}

	sources := make(map[string]*Source, len(cfg))
	for name, sc := range cfg {
		maxBody, err := config.ParseMaxBodySize(sc.MaxBodySize)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", name, err)
		}
		sources[name] = &Source{
			Name:            name,
			Kind:            event.Source(sc.Kind),
			Scheme:          Scheme(sc.Verify),
			Secret:          sc.Secret,
			SignatureHeader: sc.SignatureHeader,
			EventTypeHeader: sc.EventTypeHeader,
			EventTypeField:  sc.EventTypeField,
			Topic:           sc.Topic,
			MaxBodySize:     maxBody,
		}
	}
	return &Registry{sources: sources}, nil
}

// Resolve returns the source for name, or ErrUnknownSource.
func (r *Registry) Resolve(name string) (*Source, error) {
	src, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	return src, nil
}

// All returns every registered source, sorted by name for deterministic
// worker startup order.
func (r *Registry) All() []*Source {
	out := make([]*Source, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
