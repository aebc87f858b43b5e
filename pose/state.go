package pose

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrRunInProgress is returned by Begin when a run with the same ID is in flight
var ErrRunInProgress = errors.New("registration already running")

// DefaultMaxResults bounds the number of results kept in memory
const DefaultMaxResults = 100

// ResultTracker keeps the recent registration results and the runs still in
// flight, for the HTTP and MQTT front ends
type ResultTracker struct {
	mu         sync.RWMutex
	results    map[string]*Result
	order      []string // result IDs, oldest first
	running    map[string]*Registrator
	latest     *Result
	maxResults int
	cachePath  string // path of the last-result cache; empty disables persistence
}

// NewResultTracker creates an empty tracker
func NewResultTracker() *ResultTracker {
	return &ResultTracker{
		results:    make(map[string]*Result),
		running:    make(map[string]*Registrator),
		maxResults: DefaultMaxResults,
	}
}

// NewResultTrackerWithCache creates a tracker persisting the latest result to
// cachePath. A result already cached there is loaded on creation.
func NewResultTrackerWithCache(cachePath string) *ResultTracker {
	rt := NewResultTracker()
	rt.cachePath = cachePath
	if cachePath != "" {
		if res, err := LoadResult(cachePath); err == nil && res != nil {
			rt.store(res)
		}
	}
	return rt
}

// Begin registers an in-flight run so it can be stopped by ID. IDs are
// unique among the runs in flight.
func (rt *ResultTracker) Begin(id string, r *Registrator) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, busy := rt.running[id]; busy {
		return fmt.Errorf("%s: %w", id, ErrRunInProgress)
	}
	rt.running[id] = r
	return nil
}

// Stop requests the in-flight run with the given ID to stop.
// It returns false when no such run exists.
func (rt *ResultTracker) Stop(id string) bool {
	rt.mu.RLock()
	r, ok := rt.running[id]
	rt.mu.RUnlock()
	if !ok {
		return false
	}
	r.StopRegistration()
	return true
}

// Running returns the IDs of the runs in flight
func (rt *ResultTracker) Running() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	ids := make([]string, 0, len(rt.running))
	for id := range rt.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Complete stores a finished result and removes its run from the in-flight set.
// The error reports a failure to persist the cache; the result is stored regardless.
func (rt *ResultTracker) Complete(res *Result) error {
	rt.mu.Lock()
	delete(rt.running, res.ID)
	rt.store(res)
	rt.mu.Unlock()

	if rt.cachePath == "" {
		return nil
	}
	return SaveResult(rt.cachePath, res)
}

// Abort removes a run that ended without a result
func (rt *ResultTracker) Abort(id string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.running, id)
}

func (rt *ResultTracker) store(res *Result) {
	if _, exists := rt.results[res.ID]; exists {
		for i, id := range rt.order {
			if id == res.ID {
				rt.order = append(rt.order[:i], rt.order[i+1:]...)
				break
			}
		}
	}
	rt.results[res.ID] = res
	rt.order = append(rt.order, res.ID)
	rt.latest = res

	for len(rt.order) > rt.maxResults {
		delete(rt.results, rt.order[0])
		rt.order = rt.order[1:]
	}
}

// Get returns the result with the given ID
func (rt *ResultTracker) Get(id string) (*Result, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	res, ok := rt.results[id]
	return res, ok
}

// Latest returns the most recently completed result, or nil
func (rt *ResultTracker) Latest() *Result {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.latest
}

// List returns the stored results, most recent first
func (rt *ResultTracker) List() []*Result {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	list := make([]*Result, 0, len(rt.order))
	for i := len(rt.order) - 1; i >= 0; i-- {
		list = append(list, rt.results[rt.order[i]])
	}
	return list
}
