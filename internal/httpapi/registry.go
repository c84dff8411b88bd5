package httpapi

import (
	"sync"

	"github.com/flybeeper/geoquery/internal/query"
)

// registry tracks every live query.Query created through the façade's REST
// surface, keyed by the external id handed back to the client.
type registry struct {
	mu      sync.RWMutex
	queries map[string]*query.Query
}

func newRegistry() *registry {
	return &registry{queries: make(map[string]*query.Query)}
}

func (r *registry) add(id string, q *query.Query) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries[id] = q
}

func (r *registry) get(id string) (*query.Query, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queries[id]
	return q, ok
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queries, id)
}

func (r *registry) cancelAll() {
	r.mu.Lock()
	queries := make([]*query.Query, 0, len(r.queries))
	for id, q := range r.queries {
		queries = append(queries, q)
		delete(r.queries, id)
	}
	r.mu.Unlock()

	for _, q := range queries {
		q.Cancel()
	}
}
