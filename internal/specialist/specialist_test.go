package specialist

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copp1723/unified-vendora-final/internal/llm"
	"github.com/copp1723/unified-vendora-final/internal/model"
	"github.com/copp1723/unified-vendora-final/internal/warehouse"
)

const draftJSON = `{
	"summary": "Sales grew 4% month over month",
	"key_metrics": {"units_sold": 120, "total_revenue": 4200000},
	"insights": ["SUVs lead volume"],
	"recommendations": [{"priority": "high", "action": "Restock SUV trims"}]
}`

func whConfig() model.WarehouseConfig {
	return model.WarehouseConfig{CallTimeoutMs: 1000, MaxRows: 1000, MaxBytes: 1 << 20, MaxRowsInPrompt: 50}
}

func modelReturning(text string, err error) *llm.Client {
	return llm.NewClient(llm.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return text, err
	}), 1, time.Second, nil, llm.WithBaseBackoff(time.Millisecond))
}

func whReturning(rows []warehouse.Row, err error) *warehouse.Client {
	return warehouse.NewClient(warehouse.ExecutorFunc(func(ctx context.Context, template string, params map[string]any, limit int) (*warehouse.ResultSet, error) {
		if err != nil {
			return nil, err
		}
		return &warehouse.ResultSet{Columns: []string{"make", "units"}, Rows: rows}, nil
	}), whConfig(), nil)
}

func analysisTask(sources ...string) *model.Task {
	if len(sources) == 0 {
		sources = []string{"sales"}
	}
	return &model.Task{
		ID:          "task_0000000001_aaaaaaaa",
		Query:       "top three selling models last quarter",
		TenantID:    "d1",
		Status:      model.StatusGenerating,
		DataSources: sources,
	}
}

func TestDraft_HappyPath(t *testing.T) {
	sp := NewStandard(modelReturning(draftJSON, nil), whReturning([]warehouse.Row{{"make": "Atlas", "units": 48}}, nil), whConfig(), nil)

	res, err := sp.Draft(context.Background(), analysisTask(), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Draft)
	assert.Equal(t, "standard_analyst", res.Draft.Author)
	assert.Equal(t, "Sales grew 4% month over month", res.Draft.Content.Summary)
	assert.InDelta(t, 0.9, res.Draft.SelfConfidence, 1e-9)
	assert.Empty(t, res.Warnings)
	require.Len(t, res.Draft.QueriesExecuted, 1)
	assert.Equal(t, "sales", res.Draft.QueriesExecuted[0].Source)
	assert.False(t, res.Draft.QueriesExecuted[0].Failed)
}

func TestDraft_PartialSourceFailure(t *testing.T) {
	calls := 0
	wh := warehouse.NewClient(warehouse.ExecutorFunc(func(ctx context.Context, template string, params map[string]any, limit int) (*warehouse.ResultSet, error) {
		calls++
		if strings.Contains(template, "inventory") {
			return nil, errors.New("connection refused")
		}
		return &warehouse.ResultSet{Columns: []string{"v"}, Rows: []warehouse.Row{{"v": 1}}}, nil
	}), whConfig(), nil)

	sp := NewStandard(modelReturning(draftJSON, nil), wh, whConfig(), nil)
	res, err := sp.Draft(context.Background(), analysisTask("sales", "inventory"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	// One source missing: confidence drops by 0.2, warning recorded.
	assert.InDelta(t, 0.7, res.Draft.SelfConfidence, 1e-9)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, model.KindPartialData, res.Warnings[0].Kind)

	var failed int
	for _, r := range res.Draft.QueriesExecuted {
		if r.Failed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestDraft_AllSourcesFailedEmitsEmptyDraft(t *testing.T) {
	sp := NewStandard(modelReturning(draftJSON, nil), whReturning(nil, errors.New("warehouse down")), whConfig(), nil)

	res, err := sp.Draft(context.Background(), analysisTask(), nil)
	require.NoError(t, err)
	assert.True(t, res.Draft.Content.Empty())
	require.NotEmpty(t, res.Warnings)
	assert.Equal(t, model.KindPartialData, res.Warnings[0].Kind)
}

func TestDraft_ModelUnavailableFailsSpecialist(t *testing.T) {
	sp := NewStandard(modelReturning("", errors.New("rate limited")), whReturning([]warehouse.Row{{"v": 1}}, nil), whConfig(), nil)

	_, err := sp.Draft(context.Background(), analysisTask(), nil)
	require.Error(t, err)
	assert.Equal(t, model.KindSpecialistFailed, model.KindOf(err))
}

func TestDraft_MalformedThenRepaired(t *testing.T) {
	calls := 0
	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		calls++
		if calls == 1 {
			return "sorry, not json", nil
		}
		return draftJSON, nil
	})
	sp := NewStandard(llm.NewClient(gen, 1, time.Second, nil, llm.WithBaseBackoff(time.Millisecond)),
		whReturning([]warehouse.Row{{"v": 1}}, nil), whConfig(), nil)

	res, err := sp.Draft(context.Background(), analysisTask(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	// Repair pass counts as a retry: 0.9 - 0.15.
	assert.InDelta(t, 0.75, res.Draft.SelfConfidence, 1e-9)
}

func TestDraft_TruncationPenalty(t *testing.T) {
	rows := make([]warehouse.Row, 600)
	for i := range rows {
		rows[i] = warehouse.Row{"make": "Atlas", "units": i}
	}
	sp := NewStandard(modelReturning(draftJSON, nil), whReturning(rows, nil), whConfig(), nil)

	res, err := sp.Draft(context.Background(), analysisTask(), nil)
	require.NoError(t, err)
	assert.True(t, res.Draft.QueriesExecuted[0].Truncated)
	assert.InDelta(t, 0.8, res.Draft.SelfConfidence, 1e-9)
}

func TestDraft_RevisionFeedbackInPrompt(t *testing.T) {
	var sawPrompt string
	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		sawPrompt = prompt
		return `{"summary":"s","key_metrics":{"m":1},"insights":["i"],"changes":["stated forecast horizon","added confidence band"]}`, nil
	})
	sp := NewSenior(llm.NewClient(gen, 1, time.Second, nil), whReturning([]warehouse.Row{{"v": 1}}, nil), whConfig(), nil)

	feedback := []string{"state forecast horizon", "include confidence band"}
	res, err := sp.Draft(context.Background(), analysisTask(), feedback)
	require.NoError(t, err)

	for _, f := range feedback {
		assert.Contains(t, sawPrompt, f, "feedback must reach the model verbatim")
	}
	assert.Len(t, res.Draft.Content.Changes, 2)
	assert.Equal(t, "senior_analyst", res.Draft.Author)
}

func TestDraft_PromptBoundsRows(t *testing.T) {
	rows := make([]warehouse.Row, 200)
	for i := range rows {
		rows[i] = warehouse.Row{"make": "Atlas", "units": i}
	}
	var sawPrompt string
	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		sawPrompt = prompt
		return draftJSON, nil
	})
	cfg := whConfig()
	cfg.MaxRowsInPrompt = 10
	sp := NewStandard(llm.NewClient(gen, 1, time.Second, nil), whReturning(rows, nil), cfg, nil)

	_, err := sp.Draft(context.Background(), analysisTask(), nil)
	require.NoError(t, err)
	assert.Contains(t, sawPrompt, "further rows summarised")
	assert.LessOrEqual(t, strings.Count(sawPrompt, "Atlas |"), 11)
}

func TestSelfConfidenceClamped(t *testing.T) {
	assert.Zero(t, selfConfidence(5, true, true))
}

func TestPlanReads(t *testing.T) {
	reads := planReads([]string{"sales", "service", "unknown"}, 90)
	require.Len(t, reads, 2)
	assert.Equal(t, "sales", reads[0].source)
	assert.Equal(t, "service", reads[1].source)
	assert.Contains(t, reads[0].template, "'-90 day'")

	// Every planned template passes the read-only guard.
	for _, r := range reads {
		assert.NoError(t, warehouse.CheckReadOnly(r.template))
	}

	fallback := planReads(nil, 365)
	require.Len(t, fallback, 1)
	assert.Equal(t, "sales", fallback[0].source)
	assert.Contains(t, fallback[0].template, "'-365 day'")
}

func TestDraftJSONMatchesContentSchema(t *testing.T) {
	var content model.DraftContent
	require.NoError(t, json.Unmarshal([]byte(draftJSON), &content))
	assert.False(t, content.Empty())
}
