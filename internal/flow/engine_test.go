package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/copp1723/unified-vendora-final/internal/cache"
	"github.com/copp1723/unified-vendora-final/internal/dispatcher"
	"github.com/copp1723/unified-vendora-final/internal/llm"
	"github.com/copp1723/unified-vendora-final/internal/model"
	"github.com/copp1723/unified-vendora-final/internal/specialist"
	"github.com/copp1723/unified-vendora-final/internal/store"
	"github.com/copp1723/unified-vendora-final/internal/validator"
	"github.com/copp1723/unified-vendora-final/internal/warehouse"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedModel answers classification, drafting, and validation prompts
// from fixed scripts, optionally blocking draft calls on a gate.
type scriptedModel struct {
	mu            sync.Mutex
	classifyJSON  string
	draftJSON     func(call int) string
	validateJSON  func(call int) string
	draftCalls    int
	validateCalls int

	draftStarted chan struct{}
	draftGate    chan struct{}
}

func (m *scriptedModel) Generate(ctx context.Context, prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "intent classification"):
		return m.classifyJSON, nil
	case strings.Contains(prompt, "validation assessment"):
		m.mu.Lock()
		call := m.validateCalls
		m.validateCalls++
		fn := m.validateJSON
		m.mu.Unlock()
		return fn(call), nil
	default:
		m.mu.Lock()
		call := m.draftCalls
		m.draftCalls++
		started := m.draftStarted
		gate := m.draftGate
		m.mu.Unlock()
		if started != nil && call == 0 {
			close(started)
		}
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return m.draftJSON(call), nil
	}
}

func (m *scriptedModel) counts() (drafts, validations int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draftCalls, m.validateCalls
}

func classifyJSON(signals ...string) string {
	out, _ := json.Marshal(map[string]any{
		"signals":      signals,
		"data_sources": []string{"sales"},
	})
	return string(out)
}

func draftJSON(summary string, insights ...string) string {
	out, _ := json.Marshal(map[string]any{
		"summary":     summary,
		"key_metrics": map[string]float64{"units_sold": 120, "total_revenue": 4_200_000},
		"insights":    insights,
		"recommendations": []any{
			map[string]string{"priority": "high", "action": "Rebalance inventory toward the leading models"},
		},
	})
	return string(out)
}

func validateJSON(score float64) string {
	out, _ := json.Marshal(map[string]any{
		"data_accuracy":  score,
		"methodology":    score,
		"business_logic": score,
		"compliance":     score,
		"issues":         []string{},
	})
	return string(out)
}

func constValidate(score float64) func(int) string {
	return func(int) string { return validateJSON(score) }
}

func constDraft(body string) func(int) string {
	return func(int) string { return body }
}

func salesRows(n int) warehouse.Executor {
	return warehouse.ExecutorFunc(func(ctx context.Context, template string, params map[string]any, limit int) (*warehouse.ResultSet, error) {
		rows := make([]warehouse.Row, n)
		for i := range rows {
			rows[i] = warehouse.Row{"make": "Atlas", "model": fmt.Sprintf("M%d", i), "sale_price": 30000 + i}
		}
		return &warehouse.ResultSet{Columns: []string{"make", "model", "sale_price"}, Rows: rows}, nil
	})
}

type engineFixture struct {
	engine *Engine
	cache  *cache.ResultCache
	store  *store.Store
	model  *scriptedModel
}

func newFixture(t *testing.T, cfg model.Config, sm *scriptedModel, exec warehouse.Executor) *engineFixture {
	t.Helper()
	require.NoError(t, cfg.Normalize())

	modelClient := llm.NewClient(sm, 1, 10*time.Second, nil, llm.WithBaseBackoff(time.Millisecond))
	wh := warehouse.NewClient(exec, cfg.Warehouse, nil)

	st := store.New(nil)
	rc := cache.New(cfg.Cache.Capacity, cfg.CacheTTL())

	deps := Deps{
		Store:      st,
		Cache:      rc,
		Dispatcher: dispatcher.New(modelClient, nil),
		Standard:   specialist.NewStandard(modelClient, wh, cfg.Warehouse, nil),
		Senior:     specialist.NewSenior(modelClient, wh, cfg.Warehouse, nil),
		Validator:  validator.New(modelClient, cfg.Validation.MinAxisScore, cfg.ThresholdFor, nil),
	}
	return &engineFixture{
		engine: NewEngine(cfg, deps),
		cache:  rc,
		store:  st,
		model:  sm,
	}
}

func baseConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.Warehouse.CallTimeoutMs = 2_000
	return cfg
}

func TestProcess_SimpleApprovalAndCacheHit(t *testing.T) {
	sm := &scriptedModel{
		classifyJSON: classifyJSON("lookup"),
		draftJSON:    constDraft(draftJSON("Units sold last month held steady", "Volume flat month over month")),
		validateJSON: constValidate(0.90),
	}
	fx := newFixture(t, baseConfig(), sm, salesRows(5))

	req := model.Request{Query: "units sold last month", TenantID: "d1"}
	resp, failure := fx.engine.Process(context.Background(), req)
	require.Nil(t, failure)
	require.NotNil(t, resp)

	assert.Equal(t, model.ConfidenceHigh, resp.ConfidenceLevel)
	assert.Equal(t, model.ComplexitySimple, resp.Metadata.Complexity)
	assert.Zero(t, resp.Metadata.RevisionsUsed)
	assert.False(t, resp.Metadata.Cached)

	// Second identical call: cache hit, no tier invoked again.
	draftsBefore, validationsBefore := sm.counts()
	resp2, failure2 := fx.engine.Process(context.Background(), req)
	require.Nil(t, failure2)
	assert.True(t, resp2.Metadata.Cached)
	assert.Equal(t, resp.Summary, resp2.Summary)
	assert.Equal(t, resp.Detailed, resp2.Detailed)
	assert.Equal(t, resp.ConfidenceLevel, resp2.ConfidenceLevel)

	draftsAfter, validationsAfter := sm.counts()
	assert.Equal(t, draftsBefore, draftsAfter, "specialist must not run on a cache hit")
	assert.Equal(t, validationsBefore, validationsAfter, "validator must not run on a cache hit")

	snap := fx.engine.Metrics()
	assert.EqualValues(t, 2, snap.TotalQueries)
	assert.EqualValues(t, 1, snap.CacheHits)
	assert.EqualValues(t, 2, snap.ByFinalStatus[model.StatusDelivered])
}

func TestProcess_StandardSinglePass(t *testing.T) {
	sm := &scriptedModel{
		classifyJSON: classifyJSON("top", "aggregation"),
		draftJSON:    constDraft(draftJSON("Top three models ranked by units sold", "Model A leads with 48 units")),
		validateJSON: constValidate(0.88),
	}
	fx := newFixture(t, baseConfig(), sm, salesRows(10))

	resp, failure := fx.engine.Process(context.Background(), model.Request{
		Query:    "top three selling models last quarter",
		TenantID: "d1",
	})
	require.Nil(t, failure)
	assert.Equal(t, model.ConfidenceHigh, resp.ConfidenceLevel)
	assert.Equal(t, model.ComplexityStandard, resp.Metadata.Complexity)
	assert.Zero(t, resp.Metadata.RevisionsUsed)
}

func TestProcess_RevisionThenApproval(t *testing.T) {
	weakDraft := draftJSON("Revenue will grow next period", "Growth expected")
	strongDraft := `{
		"summary": "Revenue forecast for the next quarter (horizon: one quarter) projects 5% growth",
		"key_metrics": {"projected_revenue": 6800000},
		"insights": ["Method: seasonal moving average over trailing 12 months", "Confidence band: plus or minus 8%"],
		"recommendations": [{"priority": "medium", "action": "Plan floorplan financing for the projected volume"}],
		"changes": ["stated forecast horizon", "added confidence band and method"]
	}`
	sm := &scriptedModel{
		classifyJSON: classifyJSON("forecast"),
		draftJSON: func(call int) string {
			if call == 0 {
				return weakDraft
			}
			return strongDraft
		},
		validateJSON: constValidate(0.92),
	}
	fx := newFixture(t, baseConfig(), sm, salesRows(10))

	resp, failure := fx.engine.Process(context.Background(), model.Request{
		Query:    "forecast next quarter revenue",
		TenantID: "d1",
	})
	require.Nil(t, failure)
	assert.Equal(t, 1, resp.Metadata.RevisionsUsed)
	assert.Equal(t, model.ComplexityComplex, resp.Metadata.Complexity)
	assert.Equal(t, model.ConfidenceHigh, resp.ConfidenceLevel)

	task, err := fx.store.Get(resp.Metadata.TaskID)
	require.NoError(t, err)
	require.Len(t, task.Drafts, 2)
	assert.Equal(t, len(task.Drafts)-1, task.ValidatedDraft)
	require.True(t, task.HasValidatedDraft())
	assert.NotEmpty(t, task.Drafts[0].ValidationFeedback, "first draft carries the revision feedback")

	vd := task.Drafts[task.ValidatedDraft]
	require.NotNil(t, vd.QualityScore)
	assert.GreaterOrEqual(t, *vd.QualityScore, 0.90)
	require.NotNil(t, vd.ValidationScores)
	assert.GreaterOrEqual(t, vd.ValidationScores.Min(), 0.60)
}

func TestProcess_RejectionAfterMaxRevisions(t *testing.T) {
	sm := &scriptedModel{
		classifyJSON: classifyJSON("risk", "strategic"),
		draftJSON:    constDraft(draftJSON("Risk assessment of the proposed investment", "Exposure is concentrated")),
		validateJSON: constValidate(0.80), // below the 0.95 critical threshold every time
	}
	fx := newFixture(t, baseConfig(), sm, salesRows(10))

	resp, failure := fx.engine.Process(context.Background(), model.Request{
		Query:    "strategic risk assessment of the major investment",
		TenantID: "d1",
	})
	require.Nil(t, resp)
	require.NotNil(t, failure)

	assert.Equal(t, model.KindQualityRejected, failure.Error)
	assert.Equal(t, 2, failure.RevisionsUsed)
	assert.NotEmpty(t, failure.LastFeedback)

	task, err := fx.store.Get(failure.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, task.Status)
	assert.Len(t, task.Drafts, 3)
	assert.False(t, task.HasValidatedDraft())

	assert.Zero(t, fx.cache.Size(), "rejected results must not be cached")
}

func TestProcess_MaxRevisionsZeroRejectsImmediately(t *testing.T) {
	cfg := baseConfig()
	cfg.Flow.MaxRevisions = 0
	sm := &scriptedModel{
		classifyJSON: classifyJSON("lookup"),
		draftJSON:    constDraft(draftJSON("Weak answer")),
		validateJSON: constValidate(0.50),
	}
	fx := newFixture(t, cfg, sm, salesRows(3))

	resp, failure := fx.engine.Process(context.Background(), model.Request{Query: "units sold", TenantID: "d1"})
	require.Nil(t, resp)
	require.NotNil(t, failure)
	assert.Equal(t, model.KindQualityRejected, failure.Error)
	assert.Zero(t, failure.RevisionsUsed)

	task, err := fx.store.Get(failure.TaskID)
	require.NoError(t, err)
	assert.Len(t, task.Drafts, 1)
}

func TestProcess_EmptyRowSetRejectsStructurally(t *testing.T) {
	cfg := baseConfig()
	cfg.Flow.MaxRevisions = 0
	sm := &scriptedModel{
		classifyJSON: classifyJSON("lookup"),
		draftJSON:    constDraft(draftJSON("No sales recorded in the period")),
		validateJSON: constValidate(0.40),
	}
	fx := newFixture(t, cfg, sm, salesRows(0))

	resp, failure := fx.engine.Process(context.Background(), model.Request{Query: "units sold yesterday", TenantID: "d1"})
	require.Nil(t, resp)
	require.NotNil(t, failure)
	assert.Equal(t, model.KindQualityRejected, failure.Error)
}

func TestProcess_Timeout(t *testing.T) {
	var sawCancel sync.WaitGroup
	sawCancel.Add(1)
	var once sync.Once
	slowWarehouse := warehouse.ExecutorFunc(func(ctx context.Context, template string, params map[string]any, limit int) (*warehouse.ResultSet, error) {
		select {
		case <-ctx.Done():
			once.Do(sawCancel.Done)
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return &warehouse.ResultSet{}, nil
		}
	})
	cfg := baseConfig()
	cfg.Warehouse.CallTimeoutMs = 30_000 // the task deadline must fire first
	sm := &scriptedModel{
		classifyJSON: classifyJSON("lookup"),
		draftJSON:    constDraft(draftJSON("unused")),
		validateJSON: constValidate(0.9),
	}
	fx := newFixture(t, cfg, sm, slowWarehouse)

	start := time.Now()
	resp, failure := fx.engine.Process(context.Background(), model.Request{
		Query:     "units sold last month",
		TenantID:  "d1",
		TimeoutMs: 1_000,
	})
	elapsed := time.Since(start)

	require.Nil(t, resp)
	require.NotNil(t, failure)
	assert.Equal(t, model.KindTimedOut, failure.Error)
	assert.GreaterOrEqual(t, failure.ElapsedMs, int64(1_000))
	assert.Less(t, elapsed, 2*time.Second, "deadline law: return within timeout plus a small epsilon")

	sawCancel.Wait() // outstanding warehouse call received the cancellation signal

	task, err := fx.store.Get(failure.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimedOut, task.Status)
}

func TestProcess_CoalescedConcurrentQueries(t *testing.T) {
	sm := &scriptedModel{
		classifyJSON: classifyJSON("lookup"),
		draftJSON:    constDraft(draftJSON("Units sold held steady")),
		validateJSON: constValidate(0.9),
		draftStarted: make(chan struct{}),
		draftGate:    make(chan struct{}),
	}
	fx := newFixture(t, baseConfig(), sm, salesRows(5))
	req := model.Request{Query: "units sold last month", TenantID: "d1"}

	type outcome struct {
		resp    *model.Response
		failure *model.Failure
	}
	results := make(chan outcome, 2)

	go func() {
		r, f := fx.engine.Process(context.Background(), req)
		results <- outcome{r, f}
	}()

	// Wait until the leader is inside its drafting call, then send the
	// second request so it must coalesce.
	<-sm.draftStarted
	go func() {
		r, f := fx.engine.Process(context.Background(), req)
		results <- outcome{r, f}
	}()

	// Release the leader only after the second caller has attached.
	require.Eventually(t, func() bool {
		return fx.engine.Metrics().CoalescedJoins == 1
	}, 2*time.Second, 5*time.Millisecond)
	close(sm.draftGate)

	a := <-results
	b := <-results
	require.Nil(t, a.failure)
	require.Nil(t, b.failure)
	assert.Equal(t, a.resp.Summary, b.resp.Summary)
	assert.Equal(t, a.resp.Detailed, b.resp.Detailed)
	assert.Equal(t, a.resp.Metadata.TaskID, b.resp.Metadata.TaskID)

	drafts, _ := sm.counts()
	assert.Equal(t, 1, drafts, "exactly one specialist drafting pass")
	assert.Equal(t, 1, fx.cache.Size(), "cache populated once")

	snap := fx.engine.Metrics()
	assert.EqualValues(t, 1, snap.CoalescedJoins)
}

func TestProcess_OverloadedBeyondCap(t *testing.T) {
	sm := &scriptedModel{
		classifyJSON: classifyJSON("lookup"),
		draftJSON:    constDraft(draftJSON("slow answer")),
		validateJSON: constValidate(0.9),
		draftStarted: make(chan struct{}),
		draftGate:    make(chan struct{}),
	}
	cfg := baseConfig()
	cfg.Flow.MaxActiveTasks = 1
	fx := newFixture(t, cfg, sm, salesRows(3))

	done := make(chan struct{})
	go func() {
		defer close(done)
		fx.engine.Process(context.Background(), model.Request{Query: "units sold last month", TenantID: "d1"})
	}()
	<-sm.draftStarted

	resp, failure := fx.engine.Process(context.Background(), model.Request{Query: "inventory aging report", TenantID: "d1"})
	require.Nil(t, resp)
	require.NotNil(t, failure)
	assert.Equal(t, model.KindOverloaded, failure.Error)
	assert.Positive(t, failure.RetryAfterMs)

	close(sm.draftGate)
	<-done
}

func TestProcess_InvalidRequests(t *testing.T) {
	sm := &scriptedModel{
		classifyJSON: classifyJSON("lookup"),
		draftJSON:    constDraft(draftJSON("x")),
		validateJSON: constValidate(0.9),
	}
	fx := newFixture(t, baseConfig(), sm, salesRows(1))

	cases := []model.Request{
		{Query: "", TenantID: "d1"},
		{Query: "   \t  ", TenantID: "d1"},
		{Query: "units sold", TenantID: ""},
		{Query: strings.Repeat("a", model.MaxQueryBytes+1), TenantID: "d1"},
	}
	for _, req := range cases {
		resp, failure := fx.engine.Process(context.Background(), req)
		require.Nil(t, resp)
		require.NotNil(t, failure)
		assert.Equal(t, model.KindInvalidRequest, failure.Error)
	}
}

func TestProcess_QueryAtBoundaryAccepted(t *testing.T) {
	sm := &scriptedModel{
		classifyJSON: classifyJSON("lookup"),
		draftJSON:    constDraft(draftJSON("Boundary answer")),
		validateJSON: constValidate(0.9),
	}
	fx := newFixture(t, baseConfig(), sm, salesRows(1))

	query := strings.Repeat("a", model.MaxQueryBytes)
	resp, failure := fx.engine.Process(context.Background(), model.Request{Query: query, TenantID: "d1"})
	require.Nil(t, failure)
	require.NotNil(t, resp)
}

func TestProcess_ClassificationFailureSurfaces(t *testing.T) {
	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return "", fmt.Errorf("connection refused")
	})
	cfg := baseConfig()
	require.NoError(t, cfg.Normalize())

	modelClient := llm.NewClient(gen, 1, time.Second, nil, llm.WithBaseBackoff(time.Millisecond))
	wh := warehouse.NewClient(salesRows(1), cfg.Warehouse, nil)
	st := store.New(nil)
	engine := NewEngine(cfg, Deps{
		Store:      st,
		Cache:      cache.New(8, time.Minute),
		Dispatcher: dispatcher.New(modelClient, nil),
		Standard:   specialist.NewStandard(modelClient, wh, cfg.Warehouse, nil),
		Senior:     specialist.NewSenior(modelClient, wh, cfg.Warehouse, nil),
		Validator:  validator.New(modelClient, cfg.Validation.MinAxisScore, cfg.ThresholdFor, nil),
	})

	resp, failure := engine.Process(context.Background(), model.Request{Query: "units sold", TenantID: "d1"})
	require.Nil(t, resp)
	require.NotNil(t, failure)
	assert.Equal(t, model.KindClassificationFailed, failure.Error)

	task, err := st.Get(failure.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, task.Status)
}

func TestMetrics_Snapshot(t *testing.T) {
	sm := &scriptedModel{
		classifyJSON: classifyJSON("lookup"),
		draftJSON:    constDraft(draftJSON("answer")),
		validateJSON: constValidate(0.9),
	}
	fx := newFixture(t, baseConfig(), sm, salesRows(2))

	for i := 0; i < 3; i++ {
		_, failure := fx.engine.Process(context.Background(), model.Request{
			Query:    fmt.Sprintf("units sold in week %d", i),
			TenantID: "d1",
		})
		require.Nil(t, failure)
	}

	snap := fx.engine.Metrics()
	assert.EqualValues(t, 3, snap.TotalQueries)
	assert.EqualValues(t, 3, snap.ByFinalStatus[model.StatusDelivered])
	assert.EqualValues(t, 3, snap.ByComplexity[model.ComplexitySimple])
	assert.Zero(t, snap.ActiveTasks)
	assert.Zero(t, snap.MeanRevisions)
	assert.GreaterOrEqual(t, snap.LatencyP95Ms, snap.LatencyP50Ms)
}
