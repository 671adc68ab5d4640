// Package specialist implements Tier 2 of the pipeline: the Standard and
// Senior analysts that read the warehouse and draft insights. The two
// variants are a closed set sharing one drafting procedure; they differ
// in prompt instructions and lookback windows. Drafts of both variants
// are post-processed identically.
package specialist

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/copp1723/unified-vendora-final/internal/llm"
	"github.com/copp1723/unified-vendora-final/internal/model"
	"github.com/copp1723/unified-vendora-final/internal/warehouse"
)

// Specialist drafts an insight for a task, optionally revising against
// validator feedback.
type Specialist interface {
	Name() string
	Draft(ctx context.Context, task *model.Task, feedback []string) (*Result, error)
}

// Result is a produced draft plus recoverable issues the engine should
// record on the task.
type Result struct {
	Draft    *model.Draft
	Warnings []model.TaskError
}

type analyst struct {
	name            string
	model           *llm.Client
	wh              *warehouse.Client
	maxRowsInPrompt int
	lookbackDays    int
	instructions    string
	logger          *zap.Logger
}

func (a *analyst) Name() string { return a.name }

// Draft runs the shared procedure: plan reads, execute them in parallel,
// build the analysis prompt, and ask the model for a structured draft.
func (a *analyst) Draft(ctx context.Context, task *model.Task, feedback []string) (*Result, error) {
	reads := planReads(task.DataSources, a.lookbackDays)
	records, rowsets := a.executeReads(ctx, task, reads)

	missing := 0
	for _, r := range records {
		if r.Failed {
			missing++
		}
	}

	var warnings []model.TaskError
	if missing == len(records) && len(records) > 0 {
		// Nothing to analyse: emit an empty draft and let the validator
		// reject it, rather than failing the task outright.
		warnings = append(warnings, model.TaskError{
			Kind:    model.KindPartialData,
			Message: "all warehouse reads failed",
		})
		draft, err := a.newDraft(task, model.DraftContent{}, records, 1, missing)
		if err != nil {
			return nil, err
		}
		return &Result{Draft: draft, Warnings: warnings}, nil
	}
	if missing > 0 {
		warnings = append(warnings, model.TaskError{
			Kind:    model.KindPartialData,
			Message: fmt.Sprintf("%d of %d warehouse reads failed", missing, len(records)),
		})
	}

	prompt := a.buildPrompt(task, records, rowsets, feedback)

	var content model.DraftContent
	res, err := a.model.GenerateJSON(ctx, prompt, &content)
	if model.IsKind(err, model.KindModelMalformed) {
		// One repair attempt with a stricter instruction; counts as a
		// retry for the confidence heuristic.
		res, err = a.model.GenerateJSON(ctx, prompt+"\nRespond with ONLY the JSON object, no surrounding text.", &content)
		res.Attempts++
	}
	if err != nil {
		return nil, model.WrapError(model.KindSpecialistFailed, a.name+" could not produce a draft", err)
	}

	if len(feedback) > 0 && len(content.Changes) == 0 {
		a.logger.Warn("revision draft omitted changes record",
			zap.String("task_id", task.ID),
			zap.Int("feedback_items", len(feedback)))
	}

	draft, err := a.newDraft(task, content, records, res.Attempts, missing)
	if err != nil {
		return nil, err
	}
	return &Result{Draft: draft, Warnings: warnings}, nil
}

func (a *analyst) newDraft(task *model.Task, content model.DraftContent, records []model.QueryRecord, attempts, missing int) (*model.Draft, error) {
	id, err := model.GenerateID(model.IDTypeDraft)
	if err != nil {
		return nil, model.WrapError(model.KindInternal, "generate draft id", err)
	}
	truncated := false
	for _, r := range records {
		if r.Truncated {
			truncated = true
			break
		}
	}
	return &model.Draft{
		ID:              id,
		Author:          a.name,
		Content:         content,
		QueriesExecuted: records,
		SelfConfidence:  selfConfidence(missing, truncated, attempts > 1),
	}, nil
}

// selfConfidence starts at 0.9 and discounts for missing sources,
// truncated reads, and model retries.
func selfConfidence(missing int, truncated, retried bool) float64 {
	c := 0.9
	c -= 0.2 * float64(missing)
	if truncated {
		c -= 0.1
	}
	if retried {
		c -= 0.15
	}
	if c < 0 {
		return 0
	}
	return c
}

// executeReads runs all planned reads concurrently, each inheriting the
// task context (and with it the task deadline). Individual failures are
// recorded, not fatal.
func (a *analyst) executeReads(ctx context.Context, task *model.Task, reads []plannedRead) ([]model.QueryRecord, []*warehouse.ResultSet) {
	records := make([]model.QueryRecord, len(reads))
	rowsets := make([]*warehouse.ResultSet, len(reads))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, read := range reads {
		i, read := i, read
		g.Go(func() error {
			params := map[string]any{"tenant": task.TenantID}
			rs, err := a.wh.Run(gctx, read.template, params, read.rowLimit)

			mu.Lock()
			defer mu.Unlock()
			records[i] = model.QueryRecord{
				Source:   read.source,
				Template: read.template,
			}
			if err != nil {
				records[i].Failed = true
				a.logger.Warn("warehouse read failed",
					zap.String("task_id", task.ID),
					zap.String("source", read.source),
					zap.Error(err))
				return nil // other reads continue
			}
			records[i].RowCount = len(rs.Rows)
			records[i].Truncated = rs.Truncated
			rowsets[i] = rs
			return nil
		})
	}
	_ = g.Wait()
	return records, rowsets
}

func (a *analyst) buildPrompt(task *model.Task, records []model.QueryRecord, rowsets []*warehouse.ResultSet, feedback []string) string {
	var b strings.Builder
	b.WriteString(a.instructions)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Question: %s\n", task.Query)
	fmt.Fprintf(&b, "Dealership: %s\n\n", task.TenantID)

	budget := a.maxRowsInPrompt
	for i, rs := range rowsets {
		if rs == nil {
			fmt.Fprintf(&b, "## %s\n(data source unavailable)\n\n", records[i].Source)
			continue
		}
		fmt.Fprintf(&b, "## %s (%d rows", records[i].Source, len(rs.Rows))
		if records[i].Truncated {
			b.WriteString(", truncated")
		}
		b.WriteString(")\n")
		budget = writeRows(&b, rs, budget)
		b.WriteString("\n")
	}

	if len(feedback) > 0 {
		b.WriteString("A validator reviewed your previous draft and requires revisions. Address every item, keep previously correct findings, and list how each item was addressed in a \"changes\" array:\n")
		for _, f := range feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}

	b.WriteString(`Respond with a single JSON object:
{
  "summary": "...",
  "key_metrics": {"metric_name": number, ...},
  "insights": ["...", ...],
  "recommendations": [{"priority": "high|medium|low", "action": "..."}, ...]`)
	if len(feedback) > 0 {
		b.WriteString(`,
  "changes": ["how each revision item was addressed", ...]`)
	}
	b.WriteString("\n}\n")
	return b.String()
}

// writeRows renders rows up to the remaining budget; the excess is
// summarised as aggregates rather than listed.
func writeRows(b *strings.Builder, rs *warehouse.ResultSet, budget int) int {
	shown := len(rs.Rows)
	if shown > budget {
		shown = budget
	}
	if shown > 0 {
		b.WriteString(strings.Join(rs.Columns, " | "))
		b.WriteString("\n")
	}
	for _, row := range rs.Rows[:shown] {
		vals := make([]string, len(rs.Columns))
		for i, col := range rs.Columns {
			vals[i] = fmt.Sprint(row[col])
		}
		b.WriteString(strings.Join(vals, " | "))
		b.WriteString("\n")
	}
	if rest := rs.Rows[shown:]; len(rest) > 0 {
		fmt.Fprintf(b, "(%d further rows summarised)\n", len(rest))
		for col, agg := range summariseNumeric(rest, rs.Columns) {
			fmt.Fprintf(b, "  %s: min=%.2f max=%.2f avg=%.2f\n", col, agg.min, agg.max, agg.sum/float64(agg.n))
		}
	}
	return budget - shown
}

type aggregate struct {
	min, max, sum float64
	n             int
}

func summariseNumeric(rows []warehouse.Row, columns []string) map[string]aggregate {
	out := map[string]aggregate{}
	for _, row := range rows {
		for _, col := range columns {
			v, ok := toFloat(row[col])
			if !ok {
				continue
			}
			agg, seen := out[col]
			if !seen {
				agg = aggregate{min: v, max: v}
			}
			if v < agg.min {
				agg.min = v
			}
			if v > agg.max {
				agg.max = v
			}
			agg.sum += v
			agg.n++
			out[col] = agg
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
