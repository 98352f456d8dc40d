// Package ledger records token usage of a session and maintains the budgets
// derived from it. Every event is appended to an attribution log before the
// derived budget and session documents are replaced, so the log is always
// sufficient to rebuild the budgets.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/contextguard/pkg/faults"
	"github.com/aixgo-dev/contextguard/pkg/observability"
	"github.com/aixgo-dev/contextguard/pkg/store"
)

// ErrClosed is returned when reporting to a closed ledger.
var ErrClosed = errors.New("ledger is closed")

// ErrInvalidReport is returned for reports with negative token counts.
var ErrInvalidReport = errors.New("invalid usage report")

const (
	defaultActiveWindow = 5 * time.Minute
	defaultHistorySize  = 256
)

// Config configures a Ledger.
type Config struct {
	SessionID     string
	Ceiling       int64
	WorkloadClass string
	// ActiveWindow is how recently an actor must have reported to count
	// as active.
	ActiveWindow time.Duration
	// HistorySize bounds the retained usage samples.
	HistorySize   int
	UpdateRetries int
	Logger        *slog.Logger
	Now           func() time.Time
}

type request struct {
	ctx   context.Context
	build func(now time.Time) []UsageEvent
	reply chan reply
}

type reply struct {
	events []UsageEvent
	err    error
}

// Ledger is the usage ledger of one session. Mutations are serialized through
// a single writer goroutine; queries read the latest committed state.
type Ledger struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger

	requests chan request
	quit     chan struct{}
	done     chan struct{}
	once     sync.Once

	mu       sync.RWMutex
	tally    Tally
	session  Session
	history  []Sample
	inactive map[string]bool
	subs     map[int]chan struct{}
	nextSub  int
}

// New opens the ledger of cfg.SessionID, rebuilding its budgets from the
// attribution log, and starts the writer.
func New(ctx context.Context, s store.Store, cfg Config) (*Ledger, error) {
	if cfg.SessionID == "" {
		return nil, faults.Configurationf("ledger.new", "session id is required")
	}
	if err := store.ValidateKey(cfg.SessionID); err != nil {
		return nil, faults.Configuration("ledger.new", fmt.Errorf("session id: %w", err))
	}
	if cfg.Ceiling <= 0 {
		return nil, faults.Configurationf("ledger.new", "ceiling must be positive, got %d", cfg.Ceiling)
	}
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = defaultActiveWindow
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.UpdateRetries <= 0 {
		cfg.UpdateRetries = store.DefaultUpdateRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := &Ledger{
		store:    s,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "ledger", "session", cfg.SessionID),
		requests: make(chan request),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		inactive: map[string]bool{},
		subs:     map[int]chan struct{}{},
	}

	if err := l.load(ctx); err != nil {
		return nil, err
	}

	go l.run()
	return l, nil
}

func (l *Ledger) usageKey() string   { return "usage/" + l.cfg.SessionID + ".jsonl" }
func (l *Ledger) budgetsKey() string { return "budgets/" + l.cfg.SessionID + ".json" }
func (l *Ledger) sessionKey() string { return "session/" + l.cfg.SessionID + ".json" }

func (l *Ledger) load(ctx context.Context) error {
	events, err := l.Events(ctx)
	if err != nil {
		return fmt.Errorf("load attribution log: %w", err)
	}

	l.tally = Replay(l.cfg.Ceiling, events)
	l.session = Session{
		ID:            l.cfg.SessionID,
		WorkloadClass: l.cfg.WorkloadClass,
		StartedAt:     l.cfg.Now().UTC(),
		Actors:        map[string]time.Time{},
	}

	doc, err := l.store.Get(ctx, l.sessionKey())
	switch {
	case err == nil:
		var sess Session
		if err := json.Unmarshal(doc.Data, &sess); err != nil {
			l.logger.Warn("ignoring unreadable session document", "error", err)
		} else {
			if sess.Actors == nil {
				sess.Actors = map[string]time.Time{}
			}
			if l.cfg.WorkloadClass != "" {
				sess.WorkloadClass = l.cfg.WorkloadClass
			}
			l.session = sess
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return fmt.Errorf("load session document: %w", err)
	}

	replay := NewTally(l.cfg.Ceiling)
	for _, ev := range events {
		replay.Apply(ev)
		switch ev.Kind {
		case EventReset:
			l.history = nil
		case EventUsage, EventReclaim:
			l.record(Sample{At: ev.Timestamp, Delta: deltaOf(ev), Live: replay.Session().Live()})
		}
	}

	l.logger.Debug("ledger loaded", "events", len(events), "live", l.tally.Session().Live())
	return nil
}

func deltaOf(ev UsageEvent) int64 {
	if ev.Kind == EventReclaim {
		return -ev.Tokens
	}
	return ev.Tokens
}

// Close stops the writer. Pending reports fail with ErrClosed.
func (l *Ledger) Close() error {
	l.once.Do(func() {
		close(l.quit)
		<-l.done
	})
	return nil
}

func (l *Ledger) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case req := <-l.requests:
			events, err := l.commit(req.ctx, req.build(l.cfg.Now().UTC()))
			req.reply <- reply{events: events, err: err}
		}
	}
}

func (l *Ledger) submit(ctx context.Context, build func(now time.Time) []UsageEvent) ([]UsageEvent, error) {
	req := request{ctx: ctx, build: build, reply: make(chan reply, 1)}

	select {
	case l.requests <- req:
	case <-l.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// The writer always answers an accepted request.
	r := <-req.reply
	return r.events, r.err
}

// commit persists events in order: attribution log first, then the derived
// documents, then the in-memory view.
func (l *Ledger) commit(ctx context.Context, events []UsageEvent) ([]UsageEvent, error) {
	committed := make([]UsageEvent, 0, len(events))

	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return committed, fmt.Errorf("encode usage event: %w", err)
		}
		if err := l.store.Append(ctx, l.usageKey(), line); err != nil {
			return committed, fmt.Errorf("append usage event: %w", err)
		}

		tally := l.persistBudgets(ctx, ev)
		sess := l.persistSession(ctx, ev)

		l.mu.Lock()
		l.tally = tally
		l.session = sess
		if ev.Kind == EventUsage && ev.Actor != "" {
			delete(l.inactive, ev.Actor)
		}
		if ev.Kind == EventReset {
			l.history = nil
		}
		if ev.Kind == EventUsage || ev.Kind == EventReclaim {
			l.record(Sample{At: ev.Timestamp, Delta: deltaOf(ev), Live: tally.Session().Live()})
		}
		l.mu.Unlock()

		committed = append(committed, ev)

		if ev.Kind == EventUsage {
			observability.RecordUsageEvent(ev.Category)
		}
	}

	snap := l.Snapshot()
	observability.SetTokenGauges(snap.Live, snap.Remaining)
	l.notify()
	return committed, nil
}

// persistBudgets applies ev to the stored budgets document. A lost race is
// logged and the in-memory tally advances regardless; the log stays complete.
func (l *Ledger) persistBudgets(ctx context.Context, ev UsageEvent) Tally {
	l.mu.RLock()
	next := l.tally.Clone()
	l.mu.RUnlock()
	next.Apply(ev)

	err := store.Update(ctx, l.store, l.budgetsKey(), l.cfg.UpdateRetries, func(current []byte) ([]byte, error) {
		stored := next
		if current != nil {
			var doc Tally
			if err := json.Unmarshal(current, &doc); err == nil && doc.Events+1 == next.Events {
				doc.Apply(ev)
				stored = doc
			}
		}
		stored.Budgets[SessionScope] = withAllocation(stored.Session(), l.cfg.Ceiling)
		return json.Marshal(stored)
	})
	if err != nil {
		l.logger.Warn("budgets document not updated", "event", ev.ID, "kind", faults.KindOf(err), "error", err)
	}

	next.Budgets[SessionScope] = withAllocation(next.Session(), l.cfg.Ceiling)
	return next
}

func withAllocation(b Budget, ceiling int64) Budget {
	b.Scope = SessionScope
	b.Allocated = ceiling
	return b
}

func (l *Ledger) persistSession(ctx context.Context, ev UsageEvent) Session {
	l.mu.RLock()
	next := l.session
	next.Actors = make(map[string]time.Time, len(l.session.Actors))
	for k, v := range l.session.Actors {
		next.Actors[k] = v
	}
	l.mu.RUnlock()

	next.EventCount++
	next.UpdatedAt = ev.Timestamp
	switch ev.Kind {
	case EventReset:
		next.Epoch = ev.Epoch
		next.StartedAt = ev.Timestamp
		next.Actors = map[string]time.Time{}
	case EventUsage:
		if ev.Actor != "" {
			next.Actors[ev.Actor] = ev.Timestamp
			next.LastActor = ev.Actor
		}
		next.LastOperation = ev.Operation
	}

	data, err := json.Marshal(next)
	if err == nil {
		err = store.Update(ctx, l.store, l.sessionKey(), l.cfg.UpdateRetries, func([]byte) ([]byte, error) {
			return data, nil
		})
	}
	if err != nil {
		l.logger.Warn("session document not updated", "event", ev.ID, "kind", faults.KindOf(err), "error", err)
	}
	return next
}

func (l *Ledger) record(s Sample) {
	l.history = append(l.history, s)
	if over := len(l.history) - l.cfg.HistorySize; over > 0 {
		l.history = slices.Delete(l.history, 0, over)
	}
}

func (l *Ledger) notify() {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel signalled after every commit. Signals are
// coalesced; a slow reader sees one pending signal. Call the returned
// function to unsubscribe.
func (l *Ledger) Subscribe() (<-chan struct{}, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSub
	l.nextSub++
	ch := make(chan struct{}, 1)
	l.subs[id] = ch

	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
}

func (l *Ledger) newEvent(kind EventKind, now time.Time) UsageEvent {
	l.mu.RLock()
	epoch := l.tally.Epoch
	l.mu.RUnlock()

	return UsageEvent{
		ID:        uuid.New().String(),
		Kind:      kind,
		Epoch:     epoch,
		Timestamp: now,
		SessionID: l.cfg.SessionID,
	}
}

// ReportUsage records tokens consumed by an actor.
func (l *Ledger) ReportUsage(ctx context.Context, r UsageReport) (UsageEvent, error) {
	if r.Tokens < 0 {
		return UsageEvent{}, fmt.Errorf("%w: negative tokens %d", ErrInvalidReport, r.Tokens)
	}
	if r.Category == "" {
		r.Category = "general"
	}

	events, err := l.submit(ctx, func(now time.Time) []UsageEvent {
		ev := l.newEvent(EventUsage, now)
		ev.Actor = r.Actor
		ev.Scenario = r.Scenario
		ev.Operation = r.Operation
		ev.Tokens = r.Tokens
		ev.Category = r.Category
		ev.Origin = r.Origin
		return []UsageEvent{ev}
	})
	if err != nil {
		return UsageEvent{}, err
	}
	if len(events) == 0 {
		return UsageEvent{}, errors.New("usage event not committed")
	}
	return events[0], nil
}

// Reclaim records tokens freed by recovery. Live usage never drops below zero.
func (l *Ledger) Reclaim(ctx context.Context, actor string, tokens int64, origin string) error {
	if tokens <= 0 {
		return nil
	}
	_, err := l.submit(ctx, func(now time.Time) []UsageEvent {
		ev := l.newEvent(EventReclaim, now)
		ev.Actor = actor
		ev.Tokens = tokens
		ev.Origin = origin
		ev.Category = "reclaim"
		return []UsageEvent{ev}
	})
	return err
}

// Allocate sets the allocation of a non-session scope.
func (l *Ledger) Allocate(ctx context.Context, scope Scope, tokens int64) error {
	if scope.Kind == ScopeSession {
		return faults.Configurationf("ledger.allocate", "session allocation is the configured ceiling")
	}
	if tokens < 0 {
		return fmt.Errorf("%w: negative allocation %d", ErrInvalidReport, tokens)
	}
	_, err := l.submit(ctx, func(now time.Time) []UsageEvent {
		ev := l.newEvent(EventAllocate, now)
		s := scope
		ev.Scope = &s
		ev.Tokens = tokens
		return []UsageEvent{ev}
	})
	return err
}

// Reset starts a new epoch with zero usage. Allocations are kept.
func (l *Ledger) Reset(ctx context.Context, origin string) error {
	_, err := l.submit(ctx, func(now time.Time) []UsageEvent {
		ev := l.newEvent(EventReset, now)
		ev.Epoch++
		ev.Origin = origin
		return []UsageEvent{ev}
	})
	if err == nil {
		l.logger.Info("session reset", "origin", origin)
	}
	return err
}

// Restore starts a new epoch seeded with the usage recorded in a bundle.
func (l *Ledger) Restore(ctx context.Context, in RestoreInput) error {
	if in.Used < 0 {
		return fmt.Errorf("%w: negative restored usage %d", ErrInvalidReport, in.Used)
	}

	_, err := l.submit(ctx, func(now time.Time) []UsageEvent {
		reset := l.newEvent(EventReset, now)
		reset.Epoch++
		reset.Origin = in.Origin
		events := []UsageEvent{reset}

		actors := make([]string, 0, len(in.Actors))
		for a := range in.Actors {
			actors = append(actors, a)
		}
		sort.Strings(actors)

		var charged int64
		for _, actor := range actors {
			tokens := in.Actors[actor]
			if tokens <= 0 || charged+tokens > in.Used {
				continue
			}
			ev := l.restoredEvent(reset.Epoch, now, in.Origin)
			ev.Actor = actor
			ev.Tokens = tokens
			events = append(events, ev)
			charged += tokens
		}
		if rest := in.Used - charged; rest > 0 {
			ev := l.restoredEvent(reset.Epoch, now, in.Origin)
			ev.Tokens = rest
			events = append(events, ev)
		}
		return events
	})
	if err == nil {
		l.logger.Info("session restored", "origin", in.Origin, "used", in.Used)
	}
	return err
}

func (l *Ledger) restoredEvent(epoch int, now time.Time, origin string) UsageEvent {
	return UsageEvent{
		ID:        uuid.New().String(),
		Kind:      EventUsage,
		Epoch:     epoch,
		Timestamp: now,
		SessionID: l.cfg.SessionID,
		Operation: "restore",
		Category:  "restored",
		Origin:    origin,
	}
}

// MarkInactive stops counting actor as active until it reports again.
func (l *Ledger) MarkInactive(actor string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inactive[actor] = true
}

// Events reads the attribution log. Unreadable lines are skipped.
func (l *Ledger) Events(ctx context.Context) ([]UsageEvent, error) {
	lines, err := l.store.ReadLines(ctx, l.usageKey())
	if err != nil {
		return nil, err
	}

	events := make([]UsageEvent, 0, len(lines))
	for i, line := range lines {
		var ev UsageEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			l.logger.Warn("skipping malformed usage event", "line", i+1, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Budgets returns a copy of every budget.
func (l *Ledger) Budgets() map[Scope]Budget {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tally.Clone().Budgets
}

// Budget returns the budget of scope.
func (l *Ledger) Budget(scope Scope) Budget {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tally.budget(scope)
}

// Session returns a copy of the session document.
func (l *Ledger) Session() Session {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := l.session
	s.Actors = make(map[string]time.Time, len(l.session.Actors))
	for k, v := range l.session.Actors {
		s.Actors[k] = v
	}
	return s
}

// Snapshot returns the current session budget view.
func (l *Ledger) Snapshot() Snapshot {
	active := len(l.ActiveActors())

	l.mu.RLock()
	defer l.mu.RUnlock()

	b := l.tally.Session()
	return Snapshot{
		SessionID:     l.cfg.SessionID,
		WorkloadClass: l.session.WorkloadClass,
		Epoch:         l.tally.Epoch,
		Ceiling:       l.cfg.Ceiling,
		Used:          b.Used,
		Reclaimed:     b.Reclaimed,
		Live:          b.Live(),
		Remaining:     b.Remaining(),
		Overrun:       b.Overrun(),
		Percent:       b.Percent(),
		Events:        l.tally.Events,
		ActiveActors:  active,
		UpdatedAt:     l.session.UpdatedAt,
	}
}

// History returns up to n of the most recent usage samples, oldest first.
func (l *Ledger) History(n int) []Sample {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.history) {
		n = len(l.history)
	}
	return slices.Clone(l.history[len(l.history)-n:])
}

// Velocity returns the usage growth in tokens per second over the trailing
// window. Reclaims do not reduce velocity.
func (l *Ledger) Velocity(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	cutoff := l.cfg.Now().Add(-window)

	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for i := len(l.history) - 1; i >= 0; i-- {
		s := l.history[i]
		if !s.At.After(cutoff) {
			break
		}
		if s.Delta > 0 {
			total += s.Delta
		}
	}
	return float64(total) / window.Seconds()
}

// ActiveActors lists actors that reported within the active window, sorted.
func (l *Ledger) ActiveActors() []string {
	cutoff := l.cfg.Now().Add(-l.cfg.ActiveWindow)

	l.mu.RLock()
	defer l.mu.RUnlock()

	actors := []string{}
	for actor, seen := range l.session.Actors {
		if seen.After(cutoff) && !l.inactive[actor] {
			actors = append(actors, actor)
		}
	}
	sort.Strings(actors)
	return actors
}

// Ceiling returns the session ceiling.
func (l *Ledger) Ceiling() int64 {
	return l.cfg.Ceiling
}

// SessionID returns the session identifier.
func (l *Ledger) SessionID() string {
	return l.cfg.SessionID
}

// LiveTokens returns the live session usage.
func (l *Ledger) LiveTokens() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tally.Session().Live()
}
