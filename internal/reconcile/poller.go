package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentchat/internal/logging"
	"agentchat/internal/models"
)

const (
	DefaultInterval      = 3 * time.Second
	DefaultBurstInterval = 500 * time.Millisecond
	DefaultBurstWindow   = 5 * time.Second
	pageLimit            = 500
)

// API is the subset of Client the poller needs.
type API interface {
	PostMessage(ctx context.Context, conversationID, text string, metadata any) (*Receipt, error)
	ListMessages(ctx context.Context, conversationID string, q ListQuery) ([]models.Message, error)
	GetRun(ctx context.Context, runID string) (*RunStatus, error)
}

// Indicator is the advisory state shown next to the conversation.
type Indicator string

const (
	IndicatorIdle     Indicator = "idle"
	IndicatorThinking Indicator = "thinking"
	IndicatorFailed   Indicator = "failed"
)

// PollerOptions tunes the polling cadence. Zero values pick the defaults.
type PollerOptions struct {
	Interval      time.Duration
	BurstInterval time.Duration
	BurstWindow   time.Duration
	// WatchRuns enables run status polling for the indicator.
	WatchRuns bool
	// OnChange is called after a send and after a poll that changed the
	// timeline or the indicator. It may run on the Send and Run goroutines.
	OnChange func(entries []Entry, indicator Indicator, lastError string)
}

// Poller keeps a Timeline converged with one conversation. It polls on a
// fixed interval and switches to the burst interval for a short window after
// every send.
type Poller struct {
	api      API
	convID   string
	timeline *Timeline
	opts     PollerOptions
	now      func() time.Time
	kick     chan struct{}

	mu         sync.Mutex
	burstUntil time.Time
	runs       map[string]struct{}
	indicator  Indicator
	lastError  string
}

func NewPoller(api API, conversationID string, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BurstInterval <= 0 {
		opts.BurstInterval = DefaultBurstInterval
	}
	if opts.BurstWindow <= 0 {
		opts.BurstWindow = DefaultBurstWindow
	}
	return &Poller{
		api:       api,
		convID:    conversationID,
		timeline:  NewTimeline(),
		opts:      opts,
		now:       time.Now,
		kick:      make(chan struct{}, 1),
		runs:      make(map[string]struct{}),
		indicator: IndicatorIdle,
	}
}

func (p *Poller) Timeline() *Timeline {
	return p.timeline
}

// Indicator returns the advisory run state and the last run error, if any.
func (p *Poller) Indicator() (Indicator, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.indicator, p.lastError
}

// Send renders the message optimistically, posts it and shortens the poll
// interval for the burst window.
func (p *Poller) Send(ctx context.Context, text string) (*Receipt, error) {
	localID := p.timeline.AddPending(text, p.now())
	receipt, err := p.api.PostMessage(ctx, p.convID, text, map[string]string{"client_id": localID})
	if err != nil {
		p.timeline.Fail(localID, err)
		p.notify()
		return nil, err
	}
	p.timeline.Anchor(localID, receipt.MessageID)

	p.mu.Lock()
	p.burstUntil = p.now().Add(p.opts.BurstWindow)
	if p.opts.WatchRuns {
		p.runs[receipt.RunID] = struct{}{}
		p.indicator, p.lastError = IndicatorThinking, ""
		if receipt.Status == models.RunFailed {
			p.indicator = IndicatorFailed
		}
	}
	p.mu.Unlock()
	p.notify()

	select {
	case p.kick <- struct{}{}:
	default:
	}
	return receipt, nil
}

// NextInterval is the delay before the next poll.
func (p *Poller) NextInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.now().Before(p.burstUntil) {
		return p.opts.BurstInterval
	}
	return p.opts.Interval
}

// Poll fetches everything after the newest confirmed message, merges it and
// refreshes watched runs. It reports whether anything visible changed.
func (p *Poller) Poll(ctx context.Context) (bool, error) {
	changed := false
	for {
		msgs, err := p.api.ListMessages(ctx, p.convID, ListQuery{AfterID: p.timeline.LastID(), Limit: pageLimit})
		if err != nil {
			return changed, err
		}
		if p.timeline.Merge(msgs) {
			changed = true
		}
		if len(msgs) < pageLimit {
			break
		}
	}
	if p.opts.WatchRuns && p.refreshRuns(ctx) {
		changed = true
	}
	if changed {
		p.notify()
	}
	return changed, nil
}

// refreshRuns polls every watched run. Errors are ignored because the
// indicator is advisory; the message listing alone shows the outcome.
func (p *Poller) refreshRuns(ctx context.Context) bool {
	p.mu.Lock()
	ids := make([]string, 0, len(p.runs))
	for id := range p.runs {
		ids = append(ids, id)
	}
	before, beforeErr := p.indicator, p.lastError
	p.mu.Unlock()
	if len(ids) == 0 {
		return false
	}

	thinking := false
	var failed *RunStatus
	for _, id := range ids {
		run, err := p.api.GetRun(ctx, id)
		if err != nil {
			logging.FromContext(ctx).Debug("run status unavailable", zap.String("run_id", id), zap.Error(err))
			thinking = true
			continue
		}
		switch run.Status {
		case models.RunQueued, models.RunRunning:
			thinking = true
		case models.RunFailed:
			failed = run
			fallthrough
		default:
			p.mu.Lock()
			delete(p.runs, id)
			p.mu.Unlock()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case failed != nil:
		p.indicator = IndicatorFailed
		if failed.LastError != nil {
			p.lastError = *failed.LastError
		}
	case thinking:
		p.indicator = IndicatorThinking
	case p.indicator == IndicatorThinking:
		p.indicator = IndicatorIdle
	}
	return p.indicator != before || p.lastError != beforeErr
}

// Run polls until ctx is done. Poll errors are logged and retried on the
// next tick.
func (p *Poller) Run(ctx context.Context) error {
	log := logging.FromContext(ctx)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			log.Warn("poll messages", zap.String("conversation_id", p.convID), zap.Error(err))
		}
		timer.Reset(p.NextInterval())
	}
}

func (p *Poller) notify() {
	if p.opts.OnChange == nil {
		return
	}
	indicator, lastError := p.Indicator()
	p.opts.OnChange(p.timeline.Entries(), indicator, lastError)
}
