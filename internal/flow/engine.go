// Package flow is the top-level state machine: it accepts queries,
// drives the three tiers through the task lifecycle, and enforces
// timeouts, caching, coalescing, backpressure, and metrics.
package flow

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/copp1723/unified-vendora-final/internal/cache"
	"github.com/copp1723/unified-vendora-final/internal/dispatcher"
	"github.com/copp1723/unified-vendora-final/internal/events"
	"github.com/copp1723/unified-vendora-final/internal/model"
	"github.com/copp1723/unified-vendora-final/internal/specialist"
	"github.com/copp1723/unified-vendora-final/internal/store"
	"github.com/copp1723/unified-vendora-final/internal/validator"
)

const retryAfterMs = 1_000

// sweepEvery controls how often terminal tasks are swept: once per this
// many completed tasks, so no background goroutine is needed.
const sweepEvery = 64

type Engine struct {
	cfg   model.Config
	tasks *store.Store
	cache *cache.ResultCache

	dispatcher  *dispatcher.Dispatcher
	specialists map[string]specialist.Specialist
	validator   *validator.Validator

	bus     *events.Bus
	logger  *zap.Logger
	metrics *metrics
	clock   func() time.Time

	slots     chan struct{}
	completed atomic.Int64
}

type Deps struct {
	Store      *store.Store
	Cache      *cache.ResultCache
	Dispatcher *dispatcher.Dispatcher
	Standard   specialist.Specialist
	Senior     specialist.Specialist
	Validator  *validator.Validator
	Bus        *events.Bus
	Logger     *zap.Logger
	Clock      func() time.Time
}

func NewEngine(cfg model.Config, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		cfg:   cfg,
		tasks: deps.Store,
		cache: deps.Cache,

		dispatcher: deps.Dispatcher,
		specialists: map[string]specialist.Specialist{
			deps.Standard.Name(): deps.Standard,
			deps.Senior.Name():   deps.Senior,
		},
		validator: deps.Validator,

		bus:     deps.Bus,
		logger:  logger,
		metrics: newMetrics(),
		clock:   clock,
		slots:   make(chan struct{}, cfg.Flow.MaxActiveTasks),
	}
}

// Metrics returns a read-only snapshot of engine counters.
func (e *Engine) Metrics() model.MetricsSnapshot {
	return e.metrics.snapshot()
}

// Process runs one query end to end. Exactly one of the return values is
// non-nil.
func (e *Engine) Process(ctx context.Context, req model.Request) (*model.Response, *model.Failure) {
	if err := req.Normalize(); err != nil {
		return nil, &model.Failure{Error: model.KindInvalidRequest, Detail: err.Error()}
	}

	fingerprint := cache.Fingerprint(req.Query, req.TenantID, req.Context, e.cfg.Cache.FingerprintContextKeys)
	start := e.clock()
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond

	// Cached approved result: deliver without touching the tiers.
	if cached := e.cache.Lookup(fingerprint); cached != nil {
		e.metrics.cacheHit()
		return e.deliverCached(req, fingerprint, cached, start)
	}
	e.metrics.cacheMiss()

	// Coalesce with an in-flight computation for the same fingerprint.
	entry, leader := e.tasks.ClaimFingerprint(fingerprint, "")
	if !leader {
		return e.join(ctx, entry, start, timeout)
	}

	// Backpressure: beyond the concurrency cap, arrivals are rejected
	// rather than queued.
	select {
	case e.slots <- struct{}{}:
	default:
		e.tasks.ReleaseFingerprint(fingerprint, nil, &model.Failure{
			Error:        model.KindOverloaded,
			RetryAfterMs: retryAfterMs,
		})
		return nil, &model.Failure{Error: model.KindOverloaded, RetryAfterMs: retryAfterMs}
	}

	deadline := start.Add(timeout)
	task, err := e.tasks.Create(req.Query, req.TenantID, req.Context, fingerprint, deadline)
	if err != nil {
		<-e.slots
		e.tasks.ReleaseFingerprint(fingerprint, nil, &model.Failure{Error: model.KindInternal})
		e.logger.Error("task creation failed", zap.Error(err))
		return nil, &model.Failure{Error: model.KindInternal, Detail: "task creation failed"}
	}
	entry.TaskID = task.ID
	e.metrics.taskStarted()
	e.publish(events.EventTaskCreated, task.ID, req.TenantID, string(model.StatusPending), nil)

	runCtx, cancel := context.WithDeadline(ctx, deadline)
	resp, failure := e.run(runCtx, task, start)
	cancel()

	e.tasks.ReleaseFingerprint(fingerprint, resp, failure)
	<-e.slots

	if n := e.completed.Add(1); n%sweepEvery == 0 {
		e.tasks.Sweep(time.Duration(e.cfg.Flow.RetentionSec) * time.Second)
	}
	return resp, failure
}

// deliverCached records a task that short-circuits to delivered.
func (e *Engine) deliverCached(req model.Request, fingerprint string, cached *model.Response, start time.Time) (*model.Response, *model.Failure) {
	task, err := e.tasks.Create(req.Query, req.TenantID, req.Context, fingerprint, start.Add(time.Duration(req.TimeoutMs)*time.Millisecond))
	if err != nil {
		return nil, &model.Failure{Error: model.KindInternal, Detail: "task creation failed"}
	}
	e.metrics.taskStarted()
	e.publish(events.EventTaskCreated, task.ID, req.TenantID, string(model.StatusPending), nil)

	_, err = e.tasks.Update(task.ID, func(w *model.Task) error {
		w.Status = model.StatusDelivered
		w.Complexity = cached.Metadata.Complexity
		return nil
	})
	if err != nil {
		e.logger.Error("cached delivery transition failed", zap.String("task_id", task.ID), zap.Error(err))
	}

	resp := *cached
	resp.Metadata.Cached = true
	resp.Metadata.ProcessingTimeMs = e.clock().Sub(start).Milliseconds()

	e.metrics.taskFinished(model.StatusDelivered, resp.Metadata.Complexity, 0, e.clock().Sub(start))
	e.publish(events.EventTaskTerminal, task.ID, req.TenantID, string(model.StatusDelivered), map[string]interface{}{"cached": true})
	return &resp, nil
}

// join waits on another caller's in-flight computation.
func (e *Engine) join(ctx context.Context, entry *store.Inflight, start time.Time, timeout time.Duration) (*model.Response, *model.Failure) {
	e.metrics.coalescedJoin()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-entry.Done:
		if entry.Response != nil {
			resp := *entry.Response
			return &resp, nil
		}
		if entry.Failure != nil {
			f := *entry.Failure
			return nil, &f
		}
		return nil, &model.Failure{Error: model.KindInternal, Detail: "coalesced task finished without a result"}
	case <-ctx.Done():
		return nil, &model.Failure{Error: model.KindTimedOut, ElapsedMs: e.clock().Sub(start).Milliseconds()}
	case <-timer.C:
		return nil, &model.Failure{Error: model.KindTimedOut, ElapsedMs: e.clock().Sub(start).Milliseconds()}
	}
}

// run drives one task through classify → draft → validate with the
// bounded revision loop.
func (e *Engine) run(ctx context.Context, task *model.Task, start time.Time) (*model.Response, *model.Failure) {
	if _, err := e.transition(task.ID, model.StatusAnalyzing, nil); err != nil {
		return nil, e.fail(task, start, err)
	}

	classification, err := e.dispatcher.Classify(ctx, task)
	if err != nil {
		if ctx.Err() != nil {
			return nil, e.timeOut(task, start)
		}
		return nil, e.fail(task, start, err)
	}

	next, err := e.transition(task.ID, model.StatusGenerating, func(w *model.Task) {
		w.Complexity = classification.Complexity
		w.DataSources = classification.DataSources
		w.SpecialistChoice = classification.Specialist
		for _, warn := range classification.Warnings {
			w.Errors = append(w.Errors, model.TaskError{
				At:      e.clock(),
				Kind:    model.KindClassificationMalformed,
				Message: warn,
			})
		}
	})
	if err != nil {
		return nil, e.fail(task, start, err)
	}
	current := next

	sp, ok := e.specialists[classification.Specialist]
	if !ok {
		return nil, e.fail(current, start, model.NewError(model.KindInternal, "unknown specialist "+classification.Specialist))
	}

	var feedback []string
	for {
		result, err := sp.Draft(ctx, current, feedback)
		if err != nil {
			if ctx.Err() != nil {
				return nil, e.timeOut(current, start)
			}
			return nil, e.fail(current, start, err)
		}

		next, err = e.transition(current.ID, model.StatusValidating, func(w *model.Task) {
			w.Drafts = append(w.Drafts, result.Draft)
			for _, warn := range result.Warnings {
				warn.At = e.clock()
				w.Errors = append(w.Errors, warn)
			}
		})
		if err != nil {
			return nil, e.fail(current, start, err)
		}
		current = next

		outcome, err := e.validator.Validate(ctx, current, current.LatestDraft(), current.RevisionsUsed, e.cfg.Flow.MaxRevisions)
		if err != nil {
			if ctx.Err() != nil {
				return nil, e.timeOut(current, start)
			}
			return nil, e.fail(current, start, err)
		}

		// Record the validator's verdict on the draft before acting on it.
		next, err = e.tasks.Update(current.ID, func(w *model.Task) error {
			d := w.LatestDraft()
			scores := outcome.Scores
			quality := outcome.QualityScore
			d.ValidationScores = &scores
			d.QualityScore = &quality
			d.ValidationFeedback = outcome.Feedback
			return nil
		})
		if err != nil {
			return nil, e.fail(current, start, err)
		}
		current = next

		switch outcome.Decision {
		case validator.DecisionApprove:
			return e.deliver(ctx, current, start)

		case validator.DecisionRevise:
			next, err = e.transition(current.ID, model.StatusRevising, func(w *model.Task) {
				w.RevisionsUsed++
			})
			if err != nil {
				return nil, e.fail(current, start, err)
			}
			current = next
			next, err = e.transition(current.ID, model.StatusGenerating, nil)
			if err != nil {
				return nil, e.fail(current, start, err)
			}
			current = next
			feedback = outcome.Feedback
			if ctx.Err() != nil {
				return nil, e.timeOut(current, start)
			}

		case validator.DecisionReject:
			next, err = e.transition(current.ID, model.StatusRejected, nil)
			if err != nil {
				return nil, e.fail(current, start, err)
			}
			current = next
			e.finish(current, start)
			return nil, &model.Failure{
				Error:         model.KindQualityRejected,
				TaskID:        current.ID,
				LastFeedback:  outcome.Feedback,
				RevisionsUsed: current.RevisionsUsed,
			}
		}
	}
}

// deliver formats the approved draft, populates the cache, and completes
// the task.
func (e *Engine) deliver(ctx context.Context, task *model.Task, start time.Time) (*model.Response, *model.Failure) {
	approved, err := e.transition(task.ID, model.StatusApproved, func(w *model.Task) {
		w.ValidatedDraft = len(w.Drafts) - 1
	})
	if err != nil {
		return nil, e.fail(task, start, err)
	}

	resp := dispatcher.Format(approved, approved.Drafts[approved.ValidatedDraft], e.clock().Sub(start), false)
	e.cache.Store(approved.Fingerprint, resp)

	delivered, err := e.transition(approved.ID, model.StatusDelivered, nil)
	if err != nil {
		return nil, e.fail(approved, start, err)
	}
	e.finish(delivered, start)
	return resp, nil
}

// transition moves a task to the next status, optionally mutating other
// fields in the same atomic update.
func (e *Engine) transition(taskID string, to model.Status, extra func(*model.Task)) (*model.Task, error) {
	updated, err := e.tasks.Update(taskID, func(w *model.Task) error {
		w.Status = to
		w.CurrentTier = model.TierFor(to)
		if extra != nil {
			extra(w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(events.EventTaskTransition, updated.ID, updated.TenantID, string(to), nil)
	return updated, nil
}

// fail terminates the task with a typed failure. Precondition violations
// are programming errors: they are logged and surfaced as internal.
func (e *Engine) fail(task *model.Task, start time.Time, cause error) *model.Failure {
	kind := model.KindOf(cause)
	if kind == model.KindPreconditionFailed {
		e.logger.Error("task invariant violation",
			zap.String("task_id", task.ID),
			zap.Error(cause))
		kind = model.KindInternal
	}

	_, err := e.tasks.Update(task.ID, func(w *model.Task) error {
		if model.IsSealed(w.Status) {
			return nil
		}
		w.Status = model.StatusFailed
		w.Errors = append(w.Errors, model.TaskError{
			At:      e.clock(),
			Kind:    kind,
			Message: cause.Error(),
		})
		return nil
	})
	if err != nil {
		e.logger.Error("failed to record task failure", zap.String("task_id", task.ID), zap.Error(err))
	}

	e.logger.Warn("task failed",
		zap.String("task_id", task.ID),
		zap.String("kind", string(kind)),
		zap.Error(cause))
	e.finishAs(task, model.StatusFailed, start)
	return &model.Failure{Error: kind, TaskID: task.ID}
}

// timeOut terminates the task after its deadline passed. Outstanding
// model and warehouse calls were already cancelled through the context.
func (e *Engine) timeOut(task *model.Task, start time.Time) *model.Failure {
	_, err := e.tasks.Update(task.ID, func(w *model.Task) error {
		if model.IsSealed(w.Status) {
			return nil
		}
		w.Status = model.StatusTimedOut
		return nil
	})
	if err != nil {
		e.logger.Error("failed to record task timeout", zap.String("task_id", task.ID), zap.Error(err))
	}

	elapsed := e.clock().Sub(start)
	e.finishAs(task, model.StatusTimedOut, start)
	return &model.Failure{
		Error:     model.KindTimedOut,
		TaskID:    task.ID,
		ElapsedMs: elapsed.Milliseconds(),
	}
}

func (e *Engine) finish(task *model.Task, start time.Time) {
	e.finishAs(task, task.Status, start)
}

func (e *Engine) finishAs(task *model.Task, status model.Status, start time.Time) {
	e.metrics.taskFinished(status, task.Complexity, task.RevisionsUsed, e.clock().Sub(start))
	e.publish(events.EventTaskTerminal, task.ID, task.TenantID, string(status), map[string]interface{}{
		"revisions_used": task.RevisionsUsed,
	})
}

func (e *Engine) publish(eventType events.EventType, taskID, tenantID, status string, extra map[string]interface{}) {
	if e.bus == nil {
		return
	}
	data := map[string]interface{}{
		"task_id":   taskID,
		"tenant_id": tenantID,
		"status":    status,
	}
	for k, v := range extra {
		data[k] = v
	}
	e.bus.Publish(eventType, data)
}
