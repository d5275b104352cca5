package qlearn

import "testing"

func TestQTable_UpdateAndGet(t *testing.T) {
	q := NewQTable(10)
	q.Update("s1", Buy, 1.5)
	if got := q.Get("s1", Buy); got != 1.5 {
		t.Fatalf("got %v, want 1.5", got)
	}
	if got := q.Get("s1", Sell); got != 0 {
		t.Fatalf("unvisited action should default to 0, got %v", got)
	}
}

func TestQTable_EvictsLeastRecentlyUpdated(t *testing.T) {
	q := NewQTable(2)
	q.Update("s1", Buy, 1)
	q.Update("s2", Buy, 1)
	q.Update("s3", Buy, 1) // evicts s1
	if q.Len() != 2 {
		t.Fatalf("expected cardinality bound of 2, got %d", q.Len())
	}
	if got := q.Get("s1", Buy); got != 0 {
		t.Fatalf("expected s1 to be evicted")
	}
	if got := q.Get("s2", Buy); got != 1 {
		t.Fatalf("expected s2 to survive")
	}
}

func TestQTable_UpdateBumpsRecency(t *testing.T) {
	q := NewQTable(2)
	q.Update("s1", Buy, 1)
	q.Update("s2", Buy, 1)
	q.Update("s1", Sell, 2) // bump s1 to most-recent
	q.Update("s3", Buy, 1)  // should evict s2, not s1
	if q.Get("s1", Sell) != 2 {
		t.Fatalf("expected s1 to survive after recency bump")
	}
	if q.Get("s2", Buy) != 0 {
		t.Fatalf("expected s2 to be evicted")
	}
}

func TestQTable_BestAction_DeterministicTieBreak(t *testing.T) {
	q := NewQTable(10)
	// All actions tie at 0 (never visited); best should be Hold, the
	// first entry in actionOrder.
	best, _ := q.BestAction("s1", []Action{Sell, Buy, Hold})
	if best != Hold {
		t.Fatalf("expected deterministic tie-break to Hold, got %s", best)
	}
}

func TestQTable_Decay(t *testing.T) {
	q := NewQTable(10)
	q.Update("s1", Buy, 10)
	q.Decay(0.1)
	if got := q.Get("s1", Buy); got != 9 {
		t.Fatalf("expected decayed value 9, got %v", got)
	}
}

func TestQTable_SnapshotRoundTrip(t *testing.T) {
	q := NewQTable(5)
	q.Update("s1", Buy, 1.25)
	q.Update("s2", Sell, -0.75)
	snap := q.ToSnapshot()
	restored := FromSnapshot(snap)
	if restored.Get("s1", Buy) != 1.25 {
		t.Fatalf("s1/Buy not restored correctly")
	}
	if restored.Get("s2", Sell) != -0.75 {
		t.Fatalf("s2/Sell not restored correctly")
	}
	if restored.Len() != 2 {
		t.Fatalf("expected 2 restored states, got %d", restored.Len())
	}
}
