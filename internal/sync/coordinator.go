package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/voipsms/internal/bus"
	"github.com/matheus3301/voipsms/internal/metrics"
	"github.com/matheus3301/voipsms/internal/remote"
	"github.com/matheus3301/voipsms/internal/status"
	"github.com/matheus3301/voipsms/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Mode selects how far back a sync run looks.
type Mode string

const (
	// ModeFull fetches the whole retention window of every requested line.
	ModeFull Mode = "full"
	// ModePartial fetches a short trailing window, bounded by the last
	// confirmed outgoing message.
	ModePartial Mode = "partial"
)

var (
	ErrSyncInProgress = errors.New("a sync is already in progress")
	ErrNoLines        = errors.New("no lines configured")
)

// Request describes a sync. Empty Lines means every configured line. Contact
// scopes a partial sync of a single line to one conversation.
type Request struct {
	Lines   []string
	Mode    Mode
	Contact string
}

// Result is the outcome of one sync run, shared by every caller that
// coalesced onto it.
type Result struct {
	RunID           string
	Mode            Mode
	Lines           []string
	PerLine         map[string]*LineResult
	PerLineErrors   map[string]error
	NewMessageCount int
	Unread          []UnreadNotice
	Cancelled       bool
	Started         time.Time
	Finished        time.Time
}

// OK reports whether every line reconciled.
func (r *Result) OK() bool { return len(r.PerLineErrors) == 0 }

// Settings are re-read at the start of every run so config reloads apply to
// the next run.
type Settings struct {
	Lines         []string
	Retention     time.Duration
	PartialBuffer time.Duration
	Workers       int
	Interval      time.Duration
}

type SettingsFunc func() Settings

// Deps are the collaborators of a Coordinator. Bus, Status, Metrics and
// Logger may be nil.
type Deps struct {
	DB         *store.DB
	Reconciler *Reconciler
	Fetcher    remote.Fetcher
	Settings   SettingsFunc
	Bus        *bus.Bus
	Status     *status.Machine
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Now        func() time.Time
}

// Coordinator runs sync requests one at a time. Requests arriving while a run
// is active either share its result or wait for it to finish.
type Coordinator struct {
	Deps

	mu      gosync.Mutex
	active  *run
	lines   []string
	waiting atomic.Int32

	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// run is the process-wide token. done is closed once result is final.
// fetching records the lines whose fetch has begun and is guarded by the
// coordinator's mu.
type run struct {
	mode     Mode
	lines    []string
	contact  string
	purge    bool
	fetching map[string]bool
	done     chan struct{}
	result   *Result
}

// joinable reports whether req can share r's result: r covers req's lines
// and mode and has not started fetching any of them.
func (r *run) joinable(req *run) bool {
	if !r.covers(req) {
		return false
	}
	for _, l := range req.lines {
		if r.fetching[l] {
			return false
		}
	}
	return true
}

func (r *run) covers(req *run) bool {
	if r.purge || req.purge {
		return false
	}
	if r.mode != ModeFull && r.mode != req.mode {
		return false
	}
	if r.contact != "" && r.contact != req.contact {
		return false
	}
	for _, l := range req.lines {
		if !slices.Contains(r.lines, l) {
			return false
		}
	}
	return true
}

// NewCoordinator creates a coordinator.
func NewCoordinator(d Deps) *Coordinator {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Reconciler == nil {
		d.Reconciler = NewReconciler(d.DB, d.Logger)
	}
	c := &Coordinator{Deps: d}
	c.lines = slices.Clone(d.Settings().Lines)
	return c
}

// Sync runs req, or shares the result of an in-flight run that covers it and
// has not started fetching its lines. Any other request waits for the
// in-flight run and then runs. Per-line
// failures are reported in the result, not as an error.
func (c *Coordinator) Sync(ctx context.Context, req Request) (*Result, error) {
	return c.sync(ctx, req, true)
}

// TrySync is Sync that fails with ErrSyncInProgress instead of waiting.
func (c *Coordinator) TrySync(ctx context.Context, req Request) (*Result, error) {
	return c.sync(ctx, req, false)
}

func (c *Coordinator) sync(ctx context.Context, req Request, wait bool) (*Result, error) {
	r, err := c.newRun(req)
	if err != nil {
		return nil, err
	}
	for {
		active, joined := c.begin(r)
		if active == nil {
			c.execute(ctx, r)
			c.end(r)
			return r.result, nil
		}
		if !wait {
			return nil, ErrSyncInProgress
		}
		c.waiting.Add(1)
		select {
		case <-active.done:
			c.waiting.Add(-1)
		case <-ctx.Done():
			c.waiting.Add(-1)
			return nil, ctx.Err()
		}
		if joined && active.result != nil && !active.result.Cancelled {
			return active.result, nil
		}
	}
}

func (c *Coordinator) newRun(req Request) (*run, error) {
	mode := req.Mode
	if mode == "" {
		mode = ModePartial
	}
	if mode != ModeFull && mode != ModePartial {
		return nil, fmt.Errorf("unknown sync mode %q", mode)
	}

	configured := c.Settings().Lines
	if len(configured) == 0 {
		return nil, ErrNoLines
	}
	lines := req.Lines
	if len(lines) == 0 {
		lines = configured
	}
	lines = slices.Clone(lines)
	slices.Sort(lines)
	lines = slices.Compact(lines)
	for _, l := range lines {
		if err := store.ValidatePhone("line", l); err != nil {
			return nil, err
		}
		if !slices.Contains(configured, l) {
			return nil, fmt.Errorf("line %s is not configured: %w", l, store.ErrNotFound)
		}
	}

	if req.Contact != "" {
		if err := store.ValidatePhone("contact", req.Contact); err != nil {
			return nil, err
		}
		if mode != ModePartial || len(lines) != 1 {
			return nil, &store.ValidationError{Field: "contact", Value: req.Contact}
		}
	}
	return &run{
		mode:     mode,
		lines:    lines,
		contact:  req.Contact,
		fetching: make(map[string]bool, len(lines)),
		done:     make(chan struct{}),
	}, nil
}

// begin claims the token for r, or returns the run that holds it and whether
// r may share that run's result.
func (c *Coordinator) begin(r *run) (*run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return c.active, c.active.joinable(r)
	}
	c.active = r
	return nil, false
}

func (c *Coordinator) markFetching(r *run, line string) {
	c.mu.Lock()
	r.fetching[line] = true
	c.mu.Unlock()
}

func (c *Coordinator) end(r *run) {
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
	close(r.done)
}

// InProgress reports whether a run currently holds the token.
func (c *Coordinator) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Waiting returns the number of requests blocked behind the active run.
func (c *Coordinator) Waiting() int {
	return int(c.waiting.Load())
}

func (c *Coordinator) execute(ctx context.Context, r *run) {
	settings := c.Settings()
	res := &Result{
		RunID:         uuid.NewString(),
		Mode:          r.mode,
		Lines:         r.lines,
		PerLine:       make(map[string]*LineResult, len(r.lines)),
		PerLineErrors: make(map[string]error),
		Started:       c.Now(),
	}
	c.transition(status.Syncing, "")
	c.Logger.Info("sync started", zap.String("run_id", res.RunID), zap.String("mode", string(r.mode)), zap.Strings("lines", r.lines))

	workers := settings.Workers
	if workers <= 0 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	var mu gosync.Mutex
	for _, line := range r.lines {
		g.Go(func() error {
			lr, err := c.syncLine(ctx, r, line, settings, res.Started)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.PerLineErrors[line] = err
				return nil
			}
			res.PerLine[line] = lr
			res.NewMessageCount += lr.Inserted
			res.Unread = append(res.Unread, lr.Unread...)
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(res.Unread, func(a, b UnreadNotice) int {
		return store.Compare(a.Latest, b.Latest)
	})
	res.Cancelled = ctx.Err() != nil
	res.Finished = c.Now()
	r.result = res

	c.finish(res)
}

// syncLine fetches and reconciles one line. Cancellation is honored only
// before the line starts; once a batch is fetched it is reconciled in full.
func (c *Coordinator) syncLine(ctx context.Context, r *run, line string, settings Settings, now time.Time) (*LineResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.markFetching(r, line)
	since, full, err := c.windowStart(ctx, r, line, settings, now)
	if err != nil {
		return nil, err
	}
	batch, err := c.Fetcher.FetchMessages(ctx, line, since)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", line, err)
	}
	if r.contact != "" && !full {
		batch = slices.DeleteFunc(batch, func(m remote.Message) bool { return m.Contact != r.contact })
	}

	wctx := context.WithoutCancel(ctx)
	lr, err := c.Reconciler.Apply(wctx, line, batch)
	if err != nil {
		return nil, err
	}
	if full {
		if err := c.DB.SetCheckpoint(wctx, fullSyncKey(line), strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
			return nil, err
		}
	}
	c.Metrics.Reconciled(lr.Inserted, lr.SkippedTombstoned, lr.SkippedExisting, lr.Rejected)
	for _, n := range lr.Unread {
		if c.Bus != nil {
			c.Bus.Publish(bus.Event{Kind: bus.KindUnread, Payload: n})
		}
	}
	c.Logger.Debug("line reconciled",
		zap.String("line", line),
		zap.Bool("full", full),
		zap.Time("since", since),
		zap.Int("fetched", len(batch)),
		zap.Int("inserted", lr.Inserted),
		zap.Int("tombstoned", lr.SkippedTombstoned),
		zap.Int("existing", lr.SkippedExisting),
		zap.Int("rejected", lr.Rejected))
	return lr, nil
}

// windowStart picks where a line's fetch starts. Full runs, and partial runs
// of a line that never completed a full run, cover the retention window.
// Otherwise the window reaches back to the last confirmed outgoing message or
// the trailing buffer, whichever is older, but never past retention.
func (c *Coordinator) windowStart(ctx context.Context, r *run, line string, s Settings, now time.Time) (time.Time, bool, error) {
	retentionStart := now.Add(-s.Retention)
	if r.mode == ModeFull {
		return retentionStart, true, nil
	}
	_, ok, err := c.DB.Checkpoint(ctx, fullSyncKey(line))
	if err != nil {
		return time.Time{}, false, err
	}
	if !ok {
		return retentionStart, true, nil
	}

	var last time.Time
	if r.contact != "" {
		last, err = c.DB.MostRecentOutgoingTimestamp(ctx, store.ConversationID{Line: line, Contact: r.contact})
	} else {
		last, err = c.DB.MostRecentOutgoingTimestampForLine(ctx, line)
	}
	if err != nil {
		return time.Time{}, false, err
	}
	start := now.Add(-s.PartialBuffer)
	if !last.IsZero() && last.Before(start) {
		start = last
	}
	if start.Before(retentionStart) {
		start = retentionStart
	}
	return start, false, nil
}

func fullSyncKey(line string) string { return "full_sync:" + line }

func (c *Coordinator) finish(res *Result) {
	var authErr error
	for line, err := range res.PerLineErrors {
		if !errors.Is(err, context.Canceled) {
			c.Metrics.LineError(line)
		}
		if remote.IsAuth(err) {
			authErr = err
		}
		c.Logger.Warn("line sync failed", zap.String("run_id", res.RunID), zap.String("line", line), zap.Error(err))
	}
	switch {
	case authErr != nil:
		c.transition(status.AuthRequired, authErr.Error())
	case len(res.PerLineErrors) > 0:
		c.transition(status.Degraded, fmt.Sprintf("%d of %d lines failed", len(res.PerLineErrors), len(res.Lines)))
	default:
		c.transition(status.Ready, "")
	}

	c.Metrics.SyncRun(string(res.Mode), len(res.PerLineErrors), res.Finished.Sub(res.Started))
	if c.Bus != nil {
		c.Bus.Publish(bus.Event{Kind: bus.KindSyncFinished, Payload: res})
	}
	c.Logger.Info("sync finished",
		zap.String("run_id", res.RunID),
		zap.Int("new_messages", res.NewMessageCount),
		zap.Int("failed_lines", len(res.PerLineErrors)),
		zap.Bool("cancelled", res.Cancelled),
		zap.Duration("took", res.Finished.Sub(res.Started)))
}

func (c *Coordinator) transition(to status.State, reason string) {
	if c.Status == nil {
		return
	}
	if err := c.Status.Transition(to, reason); err != nil {
		c.Logger.Debug("status transition skipped", zap.Error(err))
	}
}

// ApplyLines adopts a new configured line set. Rows of removed lines are
// purged once no run is active, then added lines get a full sync. An empty
// set means nothing to sync and purges nothing.
func (c *Coordinator) ApplyLines(ctx context.Context, lines []string) (store.PurgeResult, *Result, error) {
	c.mu.Lock()
	prev := c.lines
	if len(lines) == 0 {
		c.lines = nil
	}
	c.mu.Unlock()
	if len(lines) == 0 {
		if len(prev) > 0 {
			c.Logger.Warn("no lines configured, keeping stored data", zap.Strings("previous", prev))
		}
		return store.PurgeResult{}, nil, nil
	}

	var added []string
	for _, l := range lines {
		if !slices.Contains(prev, l) {
			added = append(added, l)
		}
	}

	var purged store.PurgeResult
	p := &run{purge: true, done: make(chan struct{})}
	for {
		active, _ := c.begin(p)
		if active == nil {
			break
		}
		select {
		case <-active.done:
		case <-ctx.Done():
			return purged, nil, ctx.Err()
		}
	}
	purged, err := c.DB.PurgeLinesOutside(ctx, lines)
	if err == nil {
		c.mu.Lock()
		c.lines = slices.Clone(lines)
		c.mu.Unlock()
	}
	c.end(p)
	if err != nil {
		return purged, nil, err
	}
	if purged.Total() > 0 {
		c.Logger.Info("purged removed lines",
			zap.Int64("messages", purged.Messages),
			zap.Int64("tombstones", purged.Tombstones),
			zap.Int64("archived", purged.Archived),
			zap.Int64("drafts", purged.Drafts))
	}

	if len(added) == 0 {
		return purged, nil, nil
	}
	res, err := c.Sync(ctx, Request{Lines: added, Mode: ModeFull})
	return purged, res, err
}

// Start runs a full sync every Settings().Interval until Stop. A zero
// interval pauses the loop until a reload sets one.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the periodic loop and waits for it to exit.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		interval := c.Settings().Interval
		wait := interval
		if wait <= 0 {
			wait = time.Minute
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if interval <= 0 {
			continue
		}
		if _, err := c.Sync(ctx, Request{Mode: ModeFull}); err != nil && !errors.Is(err, context.Canceled) {
			c.Logger.Error("periodic sync failed", zap.Error(err))
		}
	}
}
