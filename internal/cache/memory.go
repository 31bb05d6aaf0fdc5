package cache

import (
	gocache "github.com/patrickmn/go-cache"
	"github.com/ppiankov/conceptlink/internal/model"
)

// memoryView is the in-process copy of the persisted store
type memoryView struct {
	items *gocache.Cache
}

func newMemoryView() *memoryView {
	return &memoryView{
		items: gocache.New(gocache.NoExpiration, 0),
	}
}

// Get looks up a normalized key
func (m *memoryView) Get(key string) Result {
	v, found := m.items.Get(key)
	if !found {
		return Miss()
	}
	e, _ := v.(*model.Entity)
	if e == nil {
		return NullHit()
	}
	return Hit(*e)
}

// Merge copies every entry of a freshly read store into the view. Entries are
// never removed from the store, so existing keys stay visible throughout.
func (m *memoryView) Merge(store map[string]*model.Entity) {
	for k, v := range store {
		m.items.Set(k, v, gocache.NoExpiration)
	}
}

// Len returns the number of cached keys
func (m *memoryView) Len() int {
	return m.items.ItemCount()
}
