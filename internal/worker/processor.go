package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"agentchat/internal/delivery"
	"agentchat/internal/logging"
	"agentchat/internal/metrics"
	"agentchat/internal/models"
	"agentchat/internal/runs"
	"agentchat/internal/service/agent"
	"agentchat/internal/service/chat"
	"agentchat/internal/visual"
)

const (
	imageCaption = "Generated visualization"
	// finishTimeout bounds the final status write when the job context has
	// already expired.
	finishTimeout = 10 * time.Second
)

var errInternal = errors.New("internal error")

// Processor executes one run end to end.
type Processor struct {
	ledger   *runs.Ledger
	chat     *chat.Service
	agent    agent.Agent
	renderer visual.Renderer
	media    *visual.MediaStore
	tracker  *delivery.Tracker
	metrics  *metrics.Metrics
}

// ProcessorDeps are the collaborators of a Processor. Tracker and Metrics may
// be nil.
type ProcessorDeps struct {
	Ledger   *runs.Ledger
	Chat     *chat.Service
	Agent    agent.Agent
	Renderer visual.Renderer
	Media    *visual.MediaStore
	Tracker  *delivery.Tracker
	Metrics  *metrics.Metrics
}

func NewProcessor(deps ProcessorDeps) *Processor {
	return &Processor{
		ledger:   deps.Ledger,
		chat:     deps.Chat,
		agent:    deps.Agent,
		renderer: deps.Renderer,
		media:    deps.Media,
		tracker:  deps.Tracker,
		metrics:  deps.Metrics,
	}
}

// Process claims and executes a run. A nil error means the job is done and
// may be acked, including when the claim finds the run already taken. An
// error is returned only for infrastructure failures before the run could be
// claimed or finished.
func (p *Processor) Process(ctx context.Context, runID string) error {
	log := logging.FromContext(ctx)

	claimed, err := p.ledger.Claim(ctx, runID)
	if err != nil {
		return fmt.Errorf("claim run %s: %w", runID, err)
	}
	if !claimed {
		p.metrics.Increment(metrics.RedeliveriesSkipped)
		log.Debug("run not claimable, skipping")
		return nil
	}
	p.metrics.Increment(metrics.RunsClaimed)
	log.Info("run started")

	run, err := p.ledger.Get(ctx, runID)
	if err != nil {
		p.fail(ctx, runID, err)
		return nil
	}

	reply, err := p.respond(ctx, run)
	if err != nil {
		p.fail(ctx, runID, err)
		return nil
	}

	hasVisual := p.visualize(ctx, run)
	p.deliver(ctx, run, reply, hasVisual)

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	ok, err := p.ledger.Succeed(finishCtx, runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if !ok {
		log.Warn("run left running state before completion")
		return nil
	}
	p.metrics.Increment(metrics.RunsSucceeded)
	log.Info("run succeeded", zap.Bool("has_visualization", hasVisual))
	return nil
}

// respond loads the history, asks the agent and stores the assistant text.
// Any failure here fails the run.
func (p *Processor) respond(ctx context.Context, run *models.Run) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).Error("panic while generating reply", zap.Any("panic", r), zap.Stack("stack"))
			reply, err = "", errInternal
		}
	}()

	history, err := p.chat.History(ctx, run.ConversationID, run.TriggerMessageID)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	reply, err = p.agent.Reply(ctx, history)
	if err != nil {
		return "", err
	}
	if _, err := p.chat.AppendMessage(ctx, nil, run.ConversationID, models.RoleAssistant, models.TextContent(reply)); err != nil {
		return "", fmt.Errorf("store reply: %w", err)
	}
	return reply, nil
}

// visualize renders and stores a chart when the trigger asks for one.
// Failures are logged and counted; they never fail the run.
func (p *Processor) visualize(ctx context.Context, run *models.Run) (ok bool) {
	if p.renderer == nil || p.media == nil {
		return false
	}
	log := logging.FromContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while rendering chart", zap.Any("panic", r), zap.Stack("stack"))
			p.metrics.Increment(metrics.ChartFailures)
			ok = false
		}
	}()

	trigger, err := p.chat.Message(ctx, run.TriggerMessageID)
	if err != nil {
		log.Warn("load trigger for visualization", zap.Error(err))
		p.metrics.Increment(metrics.ChartFailures)
		return false
	}
	intent := visual.Classify(trigger.Content.Text)
	if !intent.Visual() {
		return false
	}

	data, mediaType, err := p.renderer.Render(ctx, intent)
	if err != nil {
		log.Warn("render chart", zap.Error(err))
		p.metrics.Increment(metrics.ChartFailures)
		return false
	}
	media, err := p.media.Save(ctx, run.ConversationID, run.ID, mediaType, data)
	if err != nil {
		log.Warn("store chart", zap.Error(err))
		p.metrics.Increment(metrics.ChartFailures)
		return false
	}
	if _, err := p.chat.AppendMessage(ctx, nil, run.ConversationID, models.RoleAssistant,
		models.ImageContent(media.ID, imageCaption)); err != nil {
		log.Warn("store image message", zap.String("media_id", media.ID), zap.Error(err))
		p.metrics.Increment(metrics.ChartFailures)
		return false
	}
	p.metrics.Increment(metrics.ChartsRendered)
	log.Info("visualization stored", zap.String("media_id", media.ID))
	return true
}

// deliver notifies the integration endpoint. Its outcome is recorded on the
// delivery row only.
func (p *Processor) deliver(ctx context.Context, run *models.Run, reply string, hasVisual bool) {
	if !p.tracker.Enabled() {
		return
	}
	log := logging.FromContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while delivering", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	conv, err := p.chat.Conversation(ctx, run.ConversationID)
	if err != nil {
		log.Warn("load conversation for delivery", zap.Error(err))
		return
	}
	payload := delivery.Payload{
		UserID:           conv.UserID,
		ConversationID:   run.ConversationID,
		RunID:            run.ID,
		FinalText:        reply,
		HasVisualization: hasVisual,
		CreatedAt:        time.Now().UTC(),
	}
	if _, err := p.tracker.Deliver(ctx, run.ID, payload); err != nil {
		log.Warn("delivery interrupted", zap.Error(err))
	}
}

func (p *Processor) fail(ctx context.Context, runID string, cause error) {
	log := logging.FromContext(ctx)
	reason := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "run timed out: " + reason
	}
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	ok, err := p.ledger.Fail(finishCtx, runID, reason)
	if err != nil {
		log.Error("record run failure", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	if ok {
		p.metrics.Increment(metrics.RunsFailed)
	}
	log.Warn("run failed", zap.String("reason", reason))
}
