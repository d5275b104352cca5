// Package aggregator maintains bounded, per-symbol, per-timeframe bar
// history (spec §4.4), rolling finer bars up into coarser ones and
// serving lookback windows to the Q-learning agent's state builder.
package aggregator

import (
	"fmt"
	"sync"
	"time"

	"github.com/nitinkhare/tradingcore/internal/barfeed"
)

// Aggregator buffers bars per (symbol, timeframe) up to a configured
// retention length, discarding the oldest entry once full — the same
// bounded-ring-buffer discipline the teacher applies to its in-memory
// trade context.
type Aggregator struct {
	mu        sync.RWMutex
	retention int
	buffers   map[string]map[time.Duration][]barfeed.Bar
	lastTS    map[string]map[time.Duration]time.Time

	// rollups maps a source timeframe to the coarser timeframes that
	// should be derived from it, e.g. 1m -> [5m, 15m].
	rollups map[time.Duration][]time.Duration

	// partial holds the in-progress coarser bar being built from
	// finer ones, keyed by symbol then target timeframe.
	partial map[string]map[time.Duration]*partialBar
}

type partialBar struct {
	bar       barfeed.Bar
	windowEnd time.Time
	started   bool
}

// New creates an Aggregator retaining up to `retention` bars per
// (symbol, timeframe). rollups declares which coarser timeframes are
// derived automatically from which finer source timeframe.
func New(retention int, rollups map[time.Duration][]time.Duration) *Aggregator {
	return &Aggregator{
		retention: retention,
		buffers:   make(map[string]map[time.Duration][]barfeed.Bar),
		lastTS:    make(map[string]map[time.Duration]time.Time),
		rollups:   rollups,
		partial:   make(map[string]map[time.Duration]*partialBar),
	}
}

// Ingest validates and appends a bar, enforcing strict per-(symbol,
// timeframe) timestamp monotonicity (spec §3), then rolls it into any
// coarser timeframes declared for its source timeframe.
func (a *Aggregator) Ingest(b barfeed.Bar) error {
	if err := b.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.appendLocked(b); err != nil {
		return err
	}

	for _, target := range a.rollups[b.Timeframe] {
		a.rollLocked(b, target)
	}
	return nil
}

func (a *Aggregator) appendLocked(b barfeed.Bar) error {
	symTimes, ok := a.lastTS[b.Symbol]
	if !ok {
		symTimes = make(map[time.Duration]time.Time)
		a.lastTS[b.Symbol] = symTimes
	}
	if prev, ok := symTimes[b.Timeframe]; ok && !b.Timestamp.After(prev) {
		return fmt.Errorf("aggregator: non-monotonic bar for %s/%s: %s <= previous %s", b.Symbol, b.Timeframe, b.Timestamp, prev)
	}
	symTimes[b.Timeframe] = b.Timestamp

	symBufs, ok := a.buffers[b.Symbol]
	if !ok {
		symBufs = make(map[time.Duration][]barfeed.Bar)
		a.buffers[b.Symbol] = symBufs
	}
	buf := append(symBufs[b.Timeframe], b)
	if len(buf) > a.retention {
		buf = buf[len(buf)-a.retention:]
	}
	symBufs[b.Timeframe] = buf
	return nil
}

// rollLocked folds bar b (of some finer timeframe) into the in-progress
// partial bar for the target coarser timeframe, emitting and appending it
// once the window closes.
func (a *Aggregator) rollLocked(b barfeed.Bar, target time.Duration) {
	symPartials, ok := a.partial[b.Symbol]
	if !ok {
		symPartials = make(map[time.Duration]*partialBar)
		a.partial[b.Symbol] = symPartials
	}
	p, ok := symPartials[target]
	if !ok {
		p = &partialBar{}
		symPartials[target] = p
	}

	windowStart := b.Timestamp.Truncate(target)
	windowEnd := windowStart.Add(target)

	if !p.started || b.Timestamp.Before(p.windowEnd.Add(-target)) || !windowEnd.Equal(p.windowEnd) {
		if p.started {
			a.emitRolledLocked(p.bar)
		}
		p.bar = barfeed.Bar{
			Symbol: b.Symbol, Timeframe: target, Timestamp: windowEnd,
			Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
		}
		p.windowEnd = windowEnd
		p.started = true
		return
	}

	if b.High.GreaterThan(p.bar.High) {
		p.bar.High = b.High
	}
	if b.Low.LessThan(p.bar.Low) {
		p.bar.Low = b.Low
	}
	p.bar.Close = b.Close
	p.bar.Volume = p.bar.Volume.Add(b.Volume)
	p.bar.Timestamp = windowEnd
}

func (a *Aggregator) emitRolledLocked(rolled barfeed.Bar) {
	symTimes, ok := a.lastTS[rolled.Symbol]
	if !ok {
		symTimes = make(map[time.Duration]time.Time)
		a.lastTS[rolled.Symbol] = symTimes
	}
	symTimes[rolled.Timeframe] = rolled.Timestamp

	symBufs, ok := a.buffers[rolled.Symbol]
	if !ok {
		symBufs = make(map[time.Duration][]barfeed.Bar)
		a.buffers[rolled.Symbol] = symBufs
	}
	buf := append(symBufs[rolled.Timeframe], rolled)
	if len(buf) > a.retention {
		buf = buf[len(buf)-a.retention:]
	}
	symBufs[rolled.Timeframe] = buf
}

// GetBars returns up to `lookback` most recent bars for (symbol,
// timeframe), oldest first. The returned slice is a copy; callers may not
// mutate the aggregator's internal buffer.
func (a *Aggregator) GetBars(symbol string, timeframe time.Duration, lookback int) []barfeed.Bar {
	a.mu.RLock()
	defer a.mu.RUnlock()

	buf := a.buffers[symbol][timeframe]
	if lookback <= 0 || lookback > len(buf) {
		lookback = len(buf)
	}
	out := make([]barfeed.Bar, lookback)
	copy(out, buf[len(buf)-lookback:])
	return out
}

// LatestBar returns the most recent bar for (symbol, timeframe), if any.
func (a *Aggregator) LatestBar(symbol string, timeframe time.Duration) (barfeed.Bar, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	buf := a.buffers[symbol][timeframe]
	if len(buf) == 0 {
		return barfeed.Bar{}, false
	}
	return buf[len(buf)-1], true
}

// LastTimestamp returns the timestamp of the most recently ingested bar
// for (symbol, timeframe), used by edgecheck's staleness detector.
func (a *Aggregator) LastTimestamp(symbol string, timeframe time.Duration) (time.Time, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ts, ok := a.lastTS[symbol][timeframe]
	return ts, ok
}
