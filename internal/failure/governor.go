package failure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/signsync/internal/monitoring"
	"github.com/banshee-data/signsync/internal/timeutil"
)

var log = monitoring.Component("failure")

// RecoveryResult is the outcome of RecordError.
type RecoveryResult int

const (
	// Recovered means a strategy ran and succeeded.
	Recovered RecoveryResult = iota
	// Failed means no recovery was possible or the strategy failed.
	Failed
	// CircuitOpen means the key's breaker is open; nothing was attempted.
	CircuitOpen
)

func (r RecoveryResult) String() string {
	switch r {
	case Recovered:
		return "recovered"
	case Failed:
		return "failed"
	case CircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Config holds governor thresholds.
type Config struct {
	BreakerThreshold    int
	BreakerTimeout      time.Duration
	HistoryLimit        int
	Retention           time.Duration
	MaintenanceInterval time.Duration
}

// DefaultConfig returns the stock thresholds: 5 failures open a breaker
// for 5 minutes, 100 recent errors kept for 24 hours.
func DefaultConfig() Config {
	return Config{
		BreakerThreshold:    5,
		BreakerTimeout:      5 * time.Minute,
		HistoryLimit:        100,
		Retention:           24 * time.Hour,
		MaintenanceInterval: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	return c
}

// ErrorEvent is the structured record of one reported error. It carries no
// user-facing text.
type ErrorEvent struct {
	ID          uuid.UUID
	Category    Category
	Key         string
	Message     string
	Time        time.Time
	Fatal       bool
	Recoverable bool
	Result      RecoveryResult
}

// BreakerState is a snapshot of one key's circuit breaker.
type BreakerState struct {
	Key         string
	Failures    int
	LastFailure time.Time
	OpenedAt    time.Time
	Open        bool
}

// KeyStats counts errors reported under one key.
type KeyStats struct {
	Total      int
	ByCategory map[Category]int
	LastError  time.Time
}

// Notifier receives every ErrorEvent after it has been recorded. It is
// called without the governor lock held and must not block.
type Notifier func(ErrorEvent)

// RecordOption customises a single RecordError call.
type RecordOption func(*recordOpts)

type recordOpts struct {
	retry    func(ctx context.Context) error
	category Category
}

// WithRetry attaches the operation a retry strategy should re-run.
func WithRetry(fn func(ctx context.Context) error) RecordOption {
	return func(o *recordOpts) { o.retry = fn }
}

// WithCategory overrides Categorize for this report.
func WithCategory(c Category) RecordOption {
	return func(o *recordOpts) { o.category = c }
}

// Governor records errors, keeps per-key breakers and dispatches recovery.
// All state sits behind one mutex; only copies leave it.
type Governor struct {
	cfg   Config
	clock timeutil.Clock

	mu         sync.Mutex
	breakers   map[string]*BreakerState
	stats      map[string]*KeyStats
	recent     []ErrorEvent
	strategies map[Category]RecoveryStrategy
	notify     Notifier
}

// NewGovernor returns a governor using cfg; zero fields take defaults.
func NewGovernor(cfg Config, clock timeutil.Clock) *Governor {
	return &Governor{
		cfg:        cfg.withDefaults(),
		clock:      timeutil.OrReal(clock),
		breakers:   make(map[string]*BreakerState),
		stats:      make(map[string]*KeyStats),
		strategies: make(map[Category]RecoveryStrategy),
	}
}

// Config returns the effective configuration.
func (g *Governor) Config() Config { return g.cfg }

// Register installs the strategy for a category, replacing any previous one.
// A nil strategy unregisters.
func (g *Governor) Register(c Category, s RecoveryStrategy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s == nil {
		delete(g.strategies, c)
		return
	}
	g.strategies[c] = s
}

// SetNotifier installs the callback for recorded errors.
func (g *Governor) SetNotifier(n Notifier) {
	g.mu.Lock()
	g.notify = n
	g.mu.Unlock()
}

// RecordError logs err, updates statistics for key and, unless the key's
// breaker is open, attempts recovery when recoverable is true. Recovery
// success closes the key's breaker; any Failed outcome counts towards
// opening it. An empty key is replaced by the error's category.
func (g *Governor) RecordError(ctx context.Context, err error, key string, recoverable bool, opts ...RecordOption) RecoveryResult {
	if err == nil {
		return Recovered
	}
	var o recordOpts
	for _, opt := range opts {
		opt(&o)
	}
	cat := o.category
	if cat == "" {
		cat = Categorize(err)
	}
	if key == "" {
		key = string(cat)
	}
	now := g.clock.Now()

	ev := ErrorEvent{
		ID:          uuid.New(),
		Category:    cat,
		Key:         key,
		Message:     err.Error(),
		Time:        now,
		Fatal:       IsFatal(err),
		Recoverable: recoverable,
	}

	g.mu.Lock()
	st := g.stats[key]
	if st == nil {
		st = &KeyStats{ByCategory: make(map[Category]int)}
		g.stats[key] = st
	}
	st.Total++
	st.ByCategory[cat]++
	st.LastError = now

	open := g.openLocked(key, now)
	strategy := g.strategies[cat]
	notify := g.notify
	g.mu.Unlock()

	switch {
	case open:
		ev.Result = CircuitOpen
	case !recoverable || ev.Fatal || strategy == nil:
		ev.Result = Failed
	default:
		rerr := strategy.Recover(ctx, Report{Err: err, Key: key, Category: cat, Retry: o.retry})
		if rerr == nil {
			ev.Result = Recovered
		} else {
			ev.Result = Failed
		}
	}

	switch ev.Result {
	case Recovered:
		g.RecordSuccess(key)
	case Failed:
		g.RecordFailure(key)
	}

	g.appendRecent(ev)
	g.logEvent(ev)
	if notify != nil {
		notify(ev)
	}
	return ev.Result
}

func (g *Governor) appendRecent(ev ErrorEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recent = append(g.recent, ev)
	if over := len(g.recent) - g.cfg.HistoryLimit; over > 0 {
		g.recent = append(g.recent[:0], g.recent[over:]...)
	}
}

func (g *Governor) logEvent(ev ErrorEvent) {
	e := log.Warn()
	if ev.Fatal {
		e = log.Error()
	}
	e.Str("key", ev.Key).
		Str("category", string(ev.Category)).
		Bool("fatal", ev.Fatal).
		Str("result", ev.Result.String()).
		Msg(ev.Message)
}

// RecordFailure increments key's failure counter and opens its breaker at
// the threshold.
func (g *Governor) RecordFailure(key string) {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	b := g.breakerLocked(key)
	b.Failures++
	b.LastFailure = now
	if !b.Open && b.Failures >= g.cfg.BreakerThreshold {
		b.Open = true
		b.OpenedAt = now
		log.Ops().Str("key", key).Int("failures", b.Failures).Msg("circuit breaker opened")
	}
}

// RecordSuccess resets key's failure counter and closes its breaker.
func (g *Governor) RecordSuccess(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[key]
	if !ok {
		return
	}
	if b.Open {
		log.Ops().Str("key", key).Msg("circuit breaker closed")
	}
	b.Failures = 0
	b.Open = false
	b.OpenedAt = time.Time{}
}

// IsServiceAvailable reports whether key's breaker is closed. An open
// breaker whose timeout has elapsed is closed on the way.
func (g *Governor) IsServiceAvailable(key string) bool {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.openLocked(key, now)
}

// Reset clears key's breaker regardless of state.
func (g *Governor) Reset(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.breakers, key)
}

func (g *Governor) breakerLocked(key string) *BreakerState {
	b, ok := g.breakers[key]
	if !ok {
		b = &BreakerState{Key: key}
		g.breakers[key] = b
	}
	return b
}

// openLocked reports whether key's breaker is open, closing it when the
// timeout has elapsed.
func (g *Governor) openLocked(key string, now time.Time) bool {
	b, ok := g.breakers[key]
	if !ok || !b.Open {
		return false
	}
	if now.Sub(b.OpenedAt) >= g.cfg.BreakerTimeout {
		g.autoCloseLocked(b)
		return false
	}
	return true
}

func (g *Governor) autoCloseLocked(b *BreakerState) {
	log.Ops().Str("key", b.Key).Dur("open_for", g.clock.Since(b.OpenedAt)).Msg("circuit breaker auto-closed after timeout")
	b.Open = false
	b.Failures = 0
	b.OpenedAt = time.Time{}
}

// Maintain purges history older than the retention window and closes
// breakers open longer than the breaker timeout.
func (g *Governor) Maintain(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-g.cfg.Retention)
	kept := g.recent[:0]
	for _, ev := range g.recent {
		if !ev.Time.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	purged := len(g.recent) - len(kept)
	g.recent = kept
	for key, st := range g.stats {
		if st.LastError.Before(cutoff) {
			delete(g.stats, key)
		}
	}

	for _, b := range g.breakers {
		if b.Open && now.Sub(b.OpenedAt) >= g.cfg.BreakerTimeout {
			g.autoCloseLocked(b)
		}
	}
	if purged > 0 {
		log.Diag().Int("purged", purged).Msg("error history purged")
	}
}

// Run calls Maintain every maintenance interval until ctx is done.
func (g *Governor) Run(ctx context.Context) {
	t := g.clock.NewTicker(g.cfg.MaintenanceInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C():
			g.Maintain(now)
		}
	}
}

// RecentErrors returns a copy of the recent error list, oldest first.
func (g *Governor) RecentErrors() []ErrorEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ErrorEvent, len(g.recent))
	copy(out, g.recent)
	return out
}

// Breakers returns a snapshot of every breaker, sorted by key.
func (g *Governor) Breakers() []BreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]BreakerState, 0, len(g.breakers))
	for _, b := range g.breakers {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Stats returns a copy of the error statistics for key.
func (g *Governor) Stats(key string) (KeyStats, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.stats[key]
	if !ok {
		return KeyStats{}, false
	}
	cp := KeyStats{Total: st.Total, LastError: st.LastError, ByCategory: make(map[Category]int, len(st.ByCategory))}
	for c, n := range st.ByCategory {
		cp.ByCategory[c] = n
	}
	return cp, true
}
