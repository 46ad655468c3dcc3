// Package registry implements the name-resolution service: it
// binds human-readable names to actor principals on top of the
// auto-scaling store.
//
// The external surface is deliberately narrow. Register always
// succeeds for a valid name, overwriting any previous binding;
// Resolve returns the one live principal for a name or
// ErrNameNotFound. Routing inconsistency from an in-flight
// shard split is healed inside the storage layer and never
// reaches callers: the only external errors are
// ErrBadParameters, ErrNameNotFound, and ErrUnavailable.
package registry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dunlinkv/dunlin/storage/keys"
	"github.com/dunlinkv/dunlin/store"
	"github.com/dunlinkv/dunlin/utils/log"
)

var (
	// ErrNameNotFound indicates a resolve for a name that was
	// never registered
	ErrNameNotFound = errors.New("name is not registered")
	// ErrBadParameters indicates an invalid name or principal
	ErrBadParameters = errors.New("bad parameters")
	// ErrUnavailable indicates that the registry exhausted
	// its local retries; the caller may retry at its own
	// discretion
	ErrUnavailable = errors.New("registry is unavailable")
)

// DefaultMaxNameLength bounds name length unless configured
// otherwise
const DefaultMaxNameLength = 256

// Config contains configuration for a registry
type Config struct {
	// Store is the auto-scaling store holding the bindings
	Store *store.Store
	// MaxNameLength bounds accepted name length in bytes
	MaxNameLength int
	Logger        *zap.Logger
	// Clock overrides the registration timestamp source.
	// Tests use it; production leaves it nil for time.Now.
	Clock func() time.Time
}

// Registry is the name-resolution service
type Registry struct {
	store         *store.Store
	maxNameLength int
	logger        *zap.Logger
	clock         func() time.Time
}

// New creates a registry on top of a store
func New(config Config) *Registry {
	if config.Logger == nil {
		config.Logger = zap.L()
	}

	if config.MaxNameLength <= 0 {
		config.MaxNameLength = DefaultMaxNameLength
	}

	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Registry{
		store:         config.Store,
		maxNameLength: config.MaxNameLength,
		logger:        config.Logger.With(zap.String("component", "registry")),
		clock:         config.Clock,
	}
}

// Register binds a name to a principal. Re-registering a name
// overwrites its previous binding; this is the insert/update
// only policy, not a conflict.
func (registry *Registry) Register(ctx context.Context, name string, principal Principal) error {
	return registry.RegisterEntry(ctx, name, principal, nil)
}

// RegisterEntry is Register with optional detail attributes
// recorded alongside the binding
func (registry *Registry) RegisterEntry(ctx context.Context, name string, principal Principal, details map[string]string) error {
	logger := log.WithContext(ctx, registry.logger).With(zap.String("operation", "Register"))

	if err := registry.validateName(name); err != nil {
		logger.Debug("rejected name", zap.Error(err))

		return ErrBadParameters
	}

	if principal.IsZero() {
		logger.Debug("rejected zero principal", zap.String("name", name))

		return ErrBadParameters
	}

	if err := ValidateDetails(details); err != nil {
		logger.Debug("rejected details", zap.String("name", name), zap.Error(err))

		return ErrBadParameters
	}

	value := EncodeEntry(Entry{
		Principal:    principal,
		RegisteredAt: registry.clock(),
		Details:      details,
	})

	prev, err := registry.store.Put(ctx, keys.ForName(name), value)

	if err != nil {
		logger.Debug("put failed", zap.String("name", name), zap.Error(err))

		return ErrUnavailable
	}

	logger.Debug("registered",
		zap.String("name", name),
		zap.String("principal", principal.String()),
		zap.Bool("overwrote", prev != nil))

	return nil
}

// Resolve returns the principal bound to a name
func (registry *Registry) Resolve(ctx context.Context, name string) (Principal, error) {
	entry, err := registry.ResolveEntry(ctx, name)

	if err != nil {
		return Principal{}, err
	}

	return entry.Principal, nil
}

// ResolveEntry returns the full entry bound to a name,
// including the registration time and detail attributes
func (registry *Registry) ResolveEntry(ctx context.Context, name string) (Entry, error) {
	logger := log.WithContext(ctx, registry.logger).With(zap.String("operation", "Resolve"))

	if err := registry.validateName(name); err != nil {
		logger.Debug("rejected name", zap.Error(err))

		return Entry{}, ErrBadParameters
	}

	value, err := registry.store.Get(ctx, keys.ForName(name))

	switch err {
	case nil:
	case store.ErrNotFound:
		return Entry{}, ErrNameNotFound
	default:
		logger.Debug("get failed", zap.String("name", name), zap.Error(err))

		return Entry{}, ErrUnavailable
	}

	entry, err := DecodeEntry(value)

	if err != nil {
		logger.Error("stored entry is corrupt", zap.String("name", name), zap.Error(err))

		return Entry{}, ErrUnavailable
	}

	return entry, nil
}

func (registry *Registry) validateName(name string) error {
	if len(name) == 0 {
		return errors.New("name is empty")
	}

	if len(name) > registry.maxNameLength {
		return errors.New("name is too long")
	}

	return nil
}
