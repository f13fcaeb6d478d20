package push

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/saiset-co/sai-offline/types"
)

const maxOpened = 64

// Registry is an in-process notification surface and client list. It keeps
// at most limit visible notifications and the last opened window URLs.
type Registry struct {
	shown  *shownSet
	opened []string
	claims atomic.Int32
	mu     sync.RWMutex
}

func NewRegistry() *Registry {
	return NewRegistryWithLimit(DefaultShownLimit)
}

func NewRegistryWithLimit(limit int) *Registry {
	return &Registry{shown: newShownSet(limit)}
}

func (r *Registry) Show(_ context.Context, n *types.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.shown.add(n)
	return nil
}

func (r *Registry) Close(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.shown.remove(id)
	return nil
}

func (r *Registry) OpenWindow(_ context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.opened = append(r.opened, url)
	if len(r.opened) > maxOpened {
		r.opened = append([]string(nil), r.opened[len(r.opened)-maxOpened:]...)
	}
	return nil
}

func (r *Registry) Claim(context.Context) error {
	r.claims.Add(1)
	return nil
}

func (r *Registry) Get(id string) (*types.Notification, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.shown.get(id)
}

// Notifications lists visible notifications in the order they were shown.
func (r *Registry) Notifications() []*types.Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.shown.list()
}

func (r *Registry) Opened() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.opened...)
}

func (r *Registry) Claims() int {
	return int(r.claims.Load())
}
