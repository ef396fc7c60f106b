package generation

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Request is one provider call: a rendered prompt for one template.
type Request struct {
	TemplateID string
	Prompt     string
	// JSONOutput asks the provider for a JSON-only response.
	JSONOutput bool
}

// Result is the outcome of one provider call. It is one of Success,
// TransientFailure, QuotaExceeded, FatalFailure or Rejected.
type Result interface {
	isResult()
}

// Success carries the generated content.
type Success struct {
	Content    string
	TokensUsed int
}

// TransientFailure is retried with backoff.
type TransientFailure struct{ Err error }

// QuotaExceeded fails the current task and skips every task not yet started.
type QuotaExceeded struct{ Err error }

// FatalFailure aborts the job.
type FatalFailure struct{ Err error }

// Rejected fails the current task without retrying: blocked content or a
// malformed response.
type Rejected struct{ Err error }

func (Success) isResult()          {}
func (TransientFailure) isResult() {}
func (QuotaExceeded) isResult()    {}
func (FatalFailure) isResult()     {}
func (Rejected) isResult()         {}

// Classify maps an error from a provider client to its Result variant using
// the package's sentinel errors. Unrecognized errors are transient.
func Classify(err error) Result {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return QuotaExceeded{Err: err}
	case errors.Is(err, ErrProviderAuth), errors.Is(err, ErrInvalidConfig):
		return FatalFailure{Err: err}
	case errors.Is(err, ErrContentBlocked), errors.Is(err, ErrInvalidResponse):
		return Rejected{Err: err}
	default:
		return TransientFailure{Err: err}
	}
}

// Provider is a generative-AI backend. Complete never panics on provider
// errors; it reports them as a Result variant.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) Result
}

// Registry resolves provider names, falling back to a default.
type Registry struct {
	providers   map[string]Provider
	defaultName string
}

// NewRegistry registers the given providers. defaultName must be one of them.
func NewRegistry(defaultName string, providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(providers)), defaultName: defaultName}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	if _, ok := r.providers[defaultName]; !ok {
		return nil, fmt.Errorf("%w: default provider %q is not registered", ErrInvalidConfig, defaultName)
	}
	return r, nil
}

// Get returns the named provider, or the default for an empty name.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Default returns the name used when a job does not pick a provider.
func (r *Registry) Default() string {
	return r.defaultName
}

// Names lists the registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
