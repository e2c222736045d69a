// Package identity holds the device fingerprint and display label used by
// every outbound operation.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blackroom/blackroom-client/internal/store"
)

// ErrEmptyLabel is returned when a label edit is blank after trimming.
var ErrEmptyLabel = errors.New("label must not be empty")

// Identity is the device's stable fingerprint and its human label.
type Identity struct {
	Fingerprint string
	Label       string
}

// Source yields the identity at the moment of the call. Components keep a
// Source rather than a copied Identity so label edits apply immediately.
type Source interface {
	Current() Identity
}

// Static is a fixed Source, convenient for tests.
type Static Identity

// Current implements Source.
func (s Static) Current() Identity { return Identity(s) }

// Context is the process-wide identity backed by a persistent store.
type Context struct {
	kv  store.KV
	log *zerolog.Logger

	mu  sync.RWMutex
	cur Identity
}

// Load reads the identity from kv, creating a fingerprint on first use.
// initialLabel is stored only when no label has been saved yet.
func Load(ctx context.Context, kv store.KV, initialLabel string, logger *zerolog.Logger) (*Context, error) {
	fingerprint, err := kv.SetIfAbsent(ctx, store.KeyFingerprint, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("load fingerprint: %w", err)
	}

	label := ""
	setting, err := kv.Get(ctx, store.KeyLabel)
	switch {
	case err == nil:
		label = setting.Value
	case errors.Is(err, store.ErrNotFound):
		label = strings.TrimSpace(initialLabel)
		if label != "" {
			if err := kv.Set(ctx, store.KeyLabel, label); err != nil {
				return nil, fmt.Errorf("save label: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("load label: %w", err)
	}

	l := logger.With().Str("component", "identity").Logger()
	l.Debug().Str("fingerprint", fingerprint).Str("label", label).Msg("identity loaded")

	return &Context{
		kv:  kv,
		log: &l,
		cur: Identity{Fingerprint: fingerprint, Label: label},
	}, nil
}

// Current returns a copy of the identity.
func (c *Context) Current() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

// SetLabel persists a new label. The fingerprint never changes.
func (c *Context) SetLabel(ctx context.Context, label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return ErrEmptyLabel
	}
	if err := c.kv.Set(ctx, store.KeyLabel, label); err != nil {
		return fmt.Errorf("save label: %w", err)
	}

	c.mu.Lock()
	old := c.cur.Label
	c.cur.Label = label
	c.mu.Unlock()

	c.log.Info().Str("old", old).Str("new", label).Msg("label changed")
	return nil
}
