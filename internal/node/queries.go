package node

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dissonance-chat/dissonance/internal/behaviour"
)

const (
	defaultRetainedResults = 256
	defaultResultTTL       = 10 * time.Minute
)

// QueryTracker hands completed query results to whoever issued the query.
//
// Results that complete before anyone watches them are retained for a while,
// so a caller that receives its QueryID and only then calls Watch still gets
// the result.
//
// Each tracker owns the cleanup goroutine of its expirable LRU, which runs
// for the life of the process. Build one per node.
type QueryTracker struct {
	mu       sync.Mutex
	watchers map[behaviour.QueryID][]chan behaviour.QueryResult
	retained *expirable.LRU[behaviour.QueryID, behaviour.QueryResult]
}

// NewQueryTracker creates a tracker retaining at most size unclaimed results
// for ttl each. Zero values select the defaults.
func NewQueryTracker(size int, ttl time.Duration) *QueryTracker {
	if size <= 0 {
		size = defaultRetainedResults
	}
	if ttl <= 0 {
		ttl = defaultResultTTL
	}
	return &QueryTracker{
		watchers: make(map[behaviour.QueryID][]chan behaviour.QueryResult),
		retained: expirable.NewLRU[behaviour.QueryID, behaviour.QueryResult](size, nil, ttl),
	}
}

// Watch returns a channel that receives the query's result exactly once.
func (t *QueryTracker) Watch(id behaviour.QueryID) <-chan behaviour.QueryResult {
	ch := make(chan behaviour.QueryResult, 1)

	t.mu.Lock()
	defer t.mu.Unlock()

	if res, ok := t.retained.Peek(id); ok {
		t.retained.Remove(id)
		ch <- res
		close(ch)
		return ch
	}
	t.watchers[id] = append(t.watchers[id], ch)
	return ch
}

// Complete delivers the result to every watcher of id, or retains it when
// nobody is watching yet.
func (t *QueryTracker) Complete(id behaviour.QueryID, res behaviour.QueryResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	chans, ok := t.watchers[id]
	if !ok {
		t.retained.Add(id, res)
		return
	}
	delete(t.watchers, id)
	for _, ch := range chans {
		ch <- res
		close(ch)
	}
}

// Waiting returns the number of queries with at least one watcher.
func (t *QueryTracker) Waiting() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.watchers)
}

// Retained returns the number of unclaimed results held.
func (t *QueryTracker) Retained() int {
	return t.retained.Len()
}
