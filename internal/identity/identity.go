// Package identity provides the stable per-install device identifier that
// tags every queue entry and every call to the remote authority.
package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"offsync/internal/constants"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store is the subset of the local store used to persist the identifier.
type Store interface {
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
	SetMetaIfAbsent(ctx context.Context, key, value string) (string, error)
}

// Provider returns the same device id for the lifetime of the store.
type Provider struct {
	store  Store
	pinned string
	logger *logrus.Logger

	mu     sync.Mutex
	cached string
}

// NewProvider creates a provider. A non-empty pinned id (from configuration)
// replaces whatever is stored.
func NewProvider(store Store, pinned string, logger *logrus.Logger) *Provider {
	return &Provider{
		store:  store,
		pinned: strings.TrimSpace(pinned),
		logger: logger,
	}
}

// DeviceID returns the stored id, generating and persisting one on first use.
func (p *Provider) DeviceID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" {
		return p.cached, nil
	}

	if p.pinned != "" {
		current, ok, err := p.store.GetMeta(ctx, constants.DeviceIDMetaKey)
		if err != nil {
			return "", fmt.Errorf("failed to read device id: %w", err)
		}
		if !ok || current != p.pinned {
			if err := p.store.SetMeta(ctx, constants.DeviceIDMetaKey, p.pinned); err != nil {
				return "", fmt.Errorf("failed to store device id: %w", err)
			}
			p.logger.WithField("device_id", p.pinned).Info("Using configured device id")
		}
		p.cached = p.pinned
		return p.cached, nil
	}

	if current, ok, err := p.store.GetMeta(ctx, constants.DeviceIDMetaKey); err != nil {
		return "", fmt.Errorf("failed to read device id: %w", err)
	} else if ok && current != "" {
		p.cached = current
		return p.cached, nil
	}

	stored, err := p.store.SetMetaIfAbsent(ctx, constants.DeviceIDMetaKey, uuid.NewString())
	if err != nil {
		return "", fmt.Errorf("failed to store device id: %w", err)
	}
	p.logger.WithField("device_id", stored).Info("Generated new device id")

	p.cached = stored
	return p.cached, nil
}
