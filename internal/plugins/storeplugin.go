package plugins

import (
	"context"

	"github.com/haasonsaas/chatkit/internal/store"
)

// StoreAdapter exposes a *store.Store under the store role. The embedded
// store provides every StorePlugin operation; the adapter adds plugin
// identity and ties store shutdown to registry shutdown.
type StoreAdapter struct {
	*store.Store
}

// NewStoreAdapter wraps an opened store as the store-role plugin.
func NewStoreAdapter(s *store.Store) *StoreAdapter {
	return &StoreAdapter{Store: s}
}

func (a *StoreAdapter) Name() string  { return "sqlite-store" }
func (a *StoreAdapter) Role() Role    { return RoleStore }
func (a *StoreAdapter) Priority() int { return 0 }

func (a *StoreAdapter) Shutdown(context.Context) error { return a.Store.Close() }
