// Package idempotency implements the TTL-bounded client-order-id dedup
// tracker from spec §4.3: identical order fingerprints submitted within
// the TTL window are rejected as duplicates rather than resubmitted to
// the broker.
package idempotency

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Tracker records client order ids and the instant they were first seen.
// A lookup for an id already present, and not yet expired, is a
// duplicate. Expired entries are purged lazily on lookup, matching the
// teacher's preference for prune-on-access over a background sweeper
// (see risk.Engine's submission window pruning).
type Tracker struct {
	mu  sync.Mutex
	ttl time.Duration
	// insertion order of ids, walked in full by purgeLocked to drop
	// expired entries.
	order []string
	seen  map[string]time.Time

	persistPath string
}

// New creates a Tracker with the given time-to-live. persistPath, if
// non-empty, is where Save/Load read and write the tracker's state.
func New(ttl time.Duration, persistPath string) *Tracker {
	return &Tracker{
		ttl:         ttl,
		seen:        make(map[string]time.Time),
		persistPath: persistPath,
	}
}

// IsDuplicate reports whether clientOrderID has already been marked
// submitted within the TTL window as of `at`, without recording anything
// itself. Per spec §4.3/§4.7, this check must run before risk accounting
// (step 7, ahead of the risk engine's pre-trade check at step 8) so a
// retried order never consumes rate-limit budget twice; it is paired with
// MarkSubmitted, which the caller invokes only once the broker has
// actually accepted the order.
func (t *Tracker) IsDuplicate(clientOrderID string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.purgeLocked(at)

	firstSeen, ok := t.seen[clientOrderID]
	return ok && at.Sub(firstSeen) < t.ttl
}

// MarkSubmitted records clientOrderID as submitted as of `at`. Callers
// must invoke this only after the broker has accepted the order — marking
// an id that never left would silently drop a legitimate retry for the
// rest of the TTL window (spec §4.3: "mark_submitted must run after the
// broker accepts the order").
func (t *Tracker) MarkSubmitted(clientOrderID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.purgeLocked(at)
	t.seen[clientOrderID] = at
	t.order = append(t.order, clientOrderID)
}

// purgeLocked drops entries whose TTL has elapsed as of `now`. Because
// order reflects insertion sequence rather than expiry sequence (a
// record's TTL clock can be refreshed by nothing — entries are
// write-once), the oldest surviving entries are nearest the front only in
// the common case; purge is O(n) in the worst case but run lazily only on
// lookup, never by a background timer.
func (t *Tracker) purgeLocked(now time.Time) {
	i := 0
	for _, id := range t.order {
		if ts, ok := t.seen[id]; ok && now.Sub(ts) >= t.ttl {
			delete(t.seen, id)
			continue
		}
		t.order[i] = id
		i++
	}
	t.order = t.order[:i]
}

// Len returns the number of currently tracked (non-purged-as-of-last-call)
// ids. It does not force a purge itself.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// Save persists the tracker's current entries to persistPath as one
// "id\tunix_nanos" line per entry, via a temp-file-plus-rename so a crash
// mid-write never corrupts the previous file (same pattern as
// checkpoint.Manager's atomic writer).
func (t *Tracker) Save() error {
	if t.persistPath == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	tmp := t.persistPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("idempotency: create temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, id := range t.order {
		ts, ok := t.seen[id]
		if !ok {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s\t%d\n", id, ts.UnixNano()); err != nil {
			f.Close()
			return fmt.Errorf("idempotency: write entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("idempotency: flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("idempotency: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("idempotency: close: %w", err)
	}
	if err := os.Rename(tmp, t.persistPath); err != nil {
		return fmt.Errorf("idempotency: rename: %w", err)
	}
	return nil
}

// Load restores entries from persistPath, discarding any already expired
// relative to `now`. A missing file is not an error — a fresh session has
// nothing to restore.
func (t *Tracker) Load(now time.Time) error {
	if t.persistPath == "" {
		return nil
	}
	f, err := os.Open(t.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("idempotency: open %s: %w", t.persistPath, err)
	}
	defer f.Close()

	t.mu.Lock()
	defer t.mu.Unlock()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		id, nanosStr, found := strings.Cut(line, "\t")
		if !found {
			continue
		}
		nanos, err := strconv.ParseInt(nanosStr, 10, 64)
		if err != nil {
			continue
		}
		ts := time.Unix(0, nanos).UTC()
		if now.Sub(ts) >= t.ttl {
			continue
		}
		t.seen[id] = ts
		t.order = append(t.order, id)
	}
	return scanner.Err()
}
