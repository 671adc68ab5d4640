// Package store holds the in-memory task records and enforces the task
// lifecycle invariants. All task mutation in the system funnels through
// Update, which serialises writers per task id and rejects transitions
// that violate the state machine.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/copp1723/unified-vendora-final/internal/lock"
	"github.com/copp1723/unified-vendora-final/internal/model"
)

// Clock lets tests inject a deterministic time source.
type Clock func() time.Time

type Store struct {
	clock Clock

	mu       sync.RWMutex
	tasks    map[string]*model.Task
	inflight map[string]*Inflight

	locks *lock.MutexMap
}

// Inflight tracks one live computation per fingerprint for request
// coalescing. The leader closes Done after setting Response or Failure;
// joiners read them only after Done is closed.
type Inflight struct {
	TaskID   string
	Done     chan struct{}
	Response *model.Response
	Failure  *model.Failure
}

func New(clock Clock) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		clock:    clock,
		tasks:    make(map[string]*model.Task),
		inflight: make(map[string]*Inflight),
		locks:    lock.NewMutexMap(),
	}
}

// Create registers a new pending task and returns a snapshot of it.
func (s *Store) Create(query, tenantID string, ctx map[string]any, fingerprint string, deadline time.Time) (*model.Task, error) {
	id, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return nil, model.WrapError(model.KindInternal, "generate task id", err)
	}
	now := s.clock()
	t := &model.Task{
		ID:             id,
		Query:          query,
		TenantID:       tenantID,
		Context:        copyContext(ctx),
		Fingerprint:    fingerprint,
		Status:         model.StatusPending,
		CurrentTier:    model.TierDispatcher,
		ValidatedDraft: -1,
		CreatedAt:      now,
		UpdatedAt:      now,
		Deadline:       deadline,
	}

	s.mu.Lock()
	s.tasks[id] = t
	s.mu.Unlock()

	return copyTask(t), nil
}

// Get returns a consistent snapshot of a task. Records are replaced
// wholesale on update, never mutated in place, so a map read under the
// read lock is already a consistent view.
func (s *Store) Get(id string) (*model.Task, error) {
	s.mu.RLock()
	t, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, model.NewError(model.KindInternal, fmt.Sprintf("task %s not found", id))
	}
	return copyTask(t), nil
}

// Update applies the mutator to a working copy of the task under the
// task's exclusive lock, validates the result against the lifecycle
// invariants, and commits it atomically. On any error the stored record
// is unchanged.
func (s *Store) Update(id string, mutate func(*model.Task) error) (*model.Task, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	// Re-read under the task lock so concurrent updates never work from
	// a stale record.
	s.mu.RLock()
	live, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, model.NewError(model.KindInternal, fmt.Sprintf("task %s not found", id))
	}

	work := copyTask(live)
	if err := mutate(work); err != nil {
		return nil, err
	}
	if err := checkInvariants(live, work); err != nil {
		return nil, model.WrapError(model.KindPreconditionFailed, "task update rejected", err)
	}
	work.UpdatedAt = s.clock()

	s.mu.Lock()
	s.tasks[id] = work
	s.mu.Unlock()

	return copyTask(work), nil
}

// checkInvariants validates a proposed record against the previous one.
func checkInvariants(old, next *model.Task) error {
	if next.ID != old.ID || next.Fingerprint != old.Fingerprint {
		return fmt.Errorf("task identity is immutable")
	}
	if next.Status != old.Status {
		if err := model.ValidateTransition(old.Status, next.Status); err != nil {
			return err
		}
	} else if model.IsSealed(old.Status) {
		return fmt.Errorf("cannot mutate task in terminal status %q", old.Status)
	}
	if len(next.Drafts) < len(old.Drafts) {
		return fmt.Errorf("drafts are append-only")
	}
	for i := range old.Drafts {
		if next.Drafts[i].ID != old.Drafts[i].ID {
			return fmt.Errorf("drafts are append-only")
		}
	}
	if next.RevisionsUsed < old.RevisionsUsed {
		return fmt.Errorf("revisions_used cannot decrease")
	}
	if next.ValidatedDraft >= len(next.Drafts) {
		return fmt.Errorf("validated_draft out of range")
	}
	if (next.Status == model.StatusApproved || next.Status == model.StatusDelivered) &&
		old.Status != model.StatusPending && // cache-hit delivery carries no draft
		!next.HasValidatedDraft() {
		return fmt.Errorf("status %q requires a validated draft", next.Status)
	}
	return nil
}

// ListActive returns snapshots of all tasks that are not sealed; approved
// tasks, which still advance to delivered, are included.
func (s *Store) ListActive() []*model.Task {
	s.mu.RLock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var out []*model.Task
	for _, id := range ids {
		t, err := s.Get(id)
		if err != nil {
			continue
		}
		if !model.IsSealed(t.Status) {
			out = append(out, t)
		}
	}
	return out
}

// Sweep drops sealed tasks whose last update is older than retention.
// Returns the number of records removed.
func (s *Store) Sweep(retention time.Duration) int {
	cutoff := s.clock().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, t := range s.tasks {
		if model.IsSealed(t.Status) && t.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			s.locks.Forget(id)
			removed++
		}
	}
	return removed
}

// ClaimFingerprint registers an in-flight computation for a fingerprint.
// The first caller becomes the leader (leader == true) and must call
// ReleaseFingerprint exactly once; later callers receive the existing
// entry and wait on its Done channel.
func (s *Store) ClaimFingerprint(fingerprint, taskID string) (*Inflight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.inflight[fingerprint]; ok {
		return entry, false
	}
	entry := &Inflight{
		TaskID: taskID,
		Done:   make(chan struct{}),
	}
	s.inflight[fingerprint] = entry
	return entry, true
}

// InFlight returns the live entry for a fingerprint, if any.
func (s *Store) InFlight(fingerprint string) (*Inflight, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.inflight[fingerprint]
	return entry, ok
}

// ReleaseFingerprint publishes the outcome to joiners and removes the
// in-flight entry.
func (s *Store) ReleaseFingerprint(fingerprint string, resp *model.Response, failure *model.Failure) {
	s.mu.Lock()
	entry, ok := s.inflight[fingerprint]
	if ok {
		delete(s.inflight, fingerprint)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	entry.Response = resp
	entry.Failure = failure
	close(entry.Done)
}

func copyContext(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyTask(t *model.Task) *model.Task {
	c := *t
	c.Context = copyContext(t.Context)
	if t.DataSources != nil {
		c.DataSources = append([]string(nil), t.DataSources...)
	}
	if t.Errors != nil {
		c.Errors = append([]model.TaskError(nil), t.Errors...)
	}
	if t.Drafts != nil {
		c.Drafts = make([]*model.Draft, len(t.Drafts))
		for i, d := range t.Drafts {
			c.Drafts[i] = copyDraft(d)
		}
	}
	return &c
}

func copyDraft(d *model.Draft) *model.Draft {
	c := *d
	if d.QueriesExecuted != nil {
		c.QueriesExecuted = append([]model.QueryRecord(nil), d.QueriesExecuted...)
	}
	if d.ValidationFeedback != nil {
		c.ValidationFeedback = append([]string(nil), d.ValidationFeedback...)
	}
	if d.ValidationScores != nil {
		sc := *d.ValidationScores
		c.ValidationScores = &sc
	}
	if d.QualityScore != nil {
		q := *d.QualityScore
		c.QualityScore = &q
	}
	c.Content = copyContent(d.Content)
	return &c
}

func copyContent(in model.DraftContent) model.DraftContent {
	out := in
	if in.KeyMetrics != nil {
		out.KeyMetrics = make(map[string]float64, len(in.KeyMetrics))
		for k, v := range in.KeyMetrics {
			out.KeyMetrics[k] = v
		}
	}
	if in.Insights != nil {
		out.Insights = append([]string(nil), in.Insights...)
	}
	if in.Recommendations != nil {
		out.Recommendations = append([]model.Recommendation(nil), in.Recommendations...)
	}
	if in.Changes != nil {
		out.Changes = append([]string(nil), in.Changes...)
	}
	return out
}
