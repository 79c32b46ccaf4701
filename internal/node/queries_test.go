package node

import (
	"errors"
	"testing"
	"time"

	"github.com/dissonance-chat/dissonance/internal/behaviour"
)

func receive(t *testing.T, ch <-chan behaviour.QueryResult) behaviour.QueryResult {
	t.Helper()
	select {
	case res, ok := <-ch:
		if !ok {
			t.Fatal("watch channel closed without a result")
		}
		return res
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for query result")
		return nil
	}
}

func TestQueryTrackerDeliversToWatcher(t *testing.T) {
	qt := NewQueryTracker(0, 0)

	ch := qt.Watch(1)
	if qt.Waiting() != 1 {
		t.Errorf("Waiting = %d, want 1", qt.Waiting())
	}

	boom := errors.New("no peers")
	qt.Complete(1, behaviour.BootstrapResult{Error: boom})

	res := receive(t, ch)
	if res.Kind() != "bootstrap" || res.Err() != boom {
		t.Errorf("unexpected result %#v", res)
	}
	if qt.Waiting() != 0 {
		t.Errorf("Waiting = %d after completion, want 0", qt.Waiting())
	}
	if qt.Retained() != 0 {
		t.Errorf("Retained = %d, want 0 for a claimed result", qt.Retained())
	}
}

func TestQueryTrackerLateWatch(t *testing.T) {
	qt := NewQueryTracker(0, 0)

	qt.Complete(7, behaviour.ProvideResult{})
	if qt.Retained() != 1 {
		t.Fatalf("Retained = %d, want 1", qt.Retained())
	}

	res := receive(t, qt.Watch(7))
	if res.Kind() != "provide" {
		t.Errorf("Kind = %q, want provide", res.Kind())
	}
	if qt.Retained() != 0 {
		t.Errorf("result should be released once claimed, retained %d", qt.Retained())
	}
}

func TestQueryTrackerMultipleWatchers(t *testing.T) {
	qt := NewQueryTracker(0, 0)

	a := qt.Watch(3)
	b := qt.Watch(3)
	qt.Complete(3, behaviour.ClosestPeersResult{})

	for _, ch := range []<-chan behaviour.QueryResult{a, b} {
		if res := receive(t, ch); res.Kind() != "closest_peers" {
			t.Errorf("Kind = %q, want closest_peers", res.Kind())
		}
	}
}

func TestQueryTrackerRetentionIsBounded(t *testing.T) {
	qt := NewQueryTracker(2, time.Minute)

	for id := behaviour.QueryID(1); id <= 5; id++ {
		qt.Complete(id, behaviour.BootstrapResult{})
	}
	if qt.Retained() != 2 {
		t.Errorf("Retained = %d, want 2", qt.Retained())
	}
}
