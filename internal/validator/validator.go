// Package validator implements Tier 3 of the pipeline: four-axis scoring
// of specialist drafts and the quality gate decision. The model is used
// as an analytical aid, but the final score assembly is deterministic
// code cross-checking the draft against its declared warehouse reads.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/copp1723/unified-vendora-final/internal/llm"
	"github.com/copp1723/unified-vendora-final/internal/model"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionRevise  Decision = "revise"
	DecisionReject  Decision = "reject"
)

// Outcome is the validator's verdict on one draft.
type Outcome struct {
	Decision     Decision
	Scores       model.ValidationScores
	QualityScore float64
	Feedback     []string
}

// assessment is the JSON shape requested from the model.
type assessment struct {
	DataAccuracy  float64  `json:"data_accuracy"`
	Methodology   float64  `json:"methodology"`
	BusinessLogic float64  `json:"business_logic"`
	Compliance    float64  `json:"compliance"`
	Issues        []string `json:"issues"`
}

type Validator struct {
	model        *llm.Client
	minAxis      float64
	thresholdFor func(model.Complexity) float64
	logger       *zap.Logger
}

func New(modelClient *llm.Client, minAxis float64, thresholdFor func(model.Complexity) float64, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if minAxis <= 0 {
		minAxis = 0.60
	}
	return &Validator{
		model:        modelClient,
		minAxis:      minAxis,
		thresholdFor: thresholdFor,
		logger:       logger,
	}
}

// Validate scores a draft and decides approve, revise, or reject.
// revisionsUsed and maxRevisions determine whether a failing draft can
// still be revised.
func (v *Validator) Validate(ctx context.Context, task *model.Task, draft *model.Draft, revisionsUsed, maxRevisions int) (*Outcome, error) {
	signals, issues, err := v.assess(ctx, task, draft)
	if err != nil {
		return nil, err
	}

	scores := v.crossCheck(task, draft, signals)
	quality := scores.Aggregate()
	threshold := v.thresholdFor(task.Complexity)

	outcome := &Outcome{
		Scores:       scores,
		QualityScore: quality,
	}

	if quality >= threshold && scores.Min() >= v.minAxis {
		outcome.Decision = DecisionApprove
		v.logger.Info("draft approved",
			zap.String("task_id", task.ID),
			zap.Float64("quality_score", quality),
			zap.Float64("threshold", threshold))
		return outcome, nil
	}

	outcome.Feedback = v.buildFeedback(task, scores, threshold, issues)
	if revisionsUsed >= maxRevisions {
		outcome.Decision = DecisionReject
	} else {
		outcome.Decision = DecisionRevise
	}
	v.logger.Info("draft below quality gate",
		zap.String("task_id", task.ID),
		zap.String("decision", string(outcome.Decision)),
		zap.Float64("quality_score", quality),
		zap.Float64("threshold", threshold),
		zap.Strings("feedback", outcome.Feedback))
	return outcome, nil
}

// assess asks the model for per-axis signals. A malformed answer degrades
// to neutral signals; only a model outage is fatal.
func (v *Validator) assess(ctx context.Context, task *model.Task, draft *model.Draft) (assessment, []string, error) {
	neutral := assessment{DataAccuracy: 0.8, Methodology: 0.8, BusinessLogic: 0.8, Compliance: 0.9}
	if draft.Content.Empty() {
		// Nothing for the model to assess.
		return assessment{}, nil, nil
	}

	prompt := buildAssessmentPrompt(task, draft)
	var out assessment
	_, err := v.model.GenerateJSON(ctx, prompt, &out)
	if err != nil {
		if model.IsKind(err, model.KindModelMalformed) {
			v.logger.Warn("validation assessment malformed, using neutral signals",
				zap.String("task_id", task.ID), zap.Error(err))
			return neutral, nil, nil
		}
		return assessment{}, nil, err
	}
	out.DataAccuracy = clamp01(out.DataAccuracy)
	out.Methodology = clamp01(out.Methodology)
	out.BusinessLogic = clamp01(out.BusinessLogic)
	out.Compliance = clamp01(out.Compliance)
	return out, out.Issues, nil
}

func buildAssessmentPrompt(task *model.Task, draft *model.Draft) string {
	var b strings.Builder
	b.WriteString("You are performing a validation assessment of a draft dealership insight.\n\n")
	fmt.Fprintf(&b, "Question: %s\nComplexity: %s\n\n", task.Query, task.Complexity)

	content, _ := json.Marshal(draft.Content)
	fmt.Fprintf(&b, "Draft:\n%s\n\n", content)

	b.WriteString("Declared warehouse reads:\n")
	for _, q := range draft.QueriesExecuted {
		status := "ok"
		if q.Failed {
			status = "FAILED"
		}
		fmt.Fprintf(&b, "- %s (%d rows, truncated=%v, %s)\n", q.Source, q.RowCount, q.Truncated, status)
	}

	b.WriteString(`
Score each axis in [0,1] and list concrete issues:
- data_accuracy: do the numbers reconcile with the declared reads, with plausible ranges?
- methodology: are the analytical steps appropriate (forecast horizon and method stated, comparable windows, stated ordering keys)?
- business_logic: do insights and recommendations follow from the metrics?
- compliance: no personally identifying fields, no advice outside the dealership scope, no model-instruction echoes?

Respond with a single JSON object:
{"data_accuracy": 0.0, "methodology": 0.0, "business_logic": 0.0, "compliance": 0.0, "issues": ["..."]}
`)
	return b.String()
}

// crossCheck clamps the model's signals with deterministic checks
// against the draft itself.
func (v *Validator) crossCheck(task *model.Task, draft *model.Draft, signals assessment) model.ValidationScores {
	scores := model.ValidationScores{
		DataAccuracy:  signals.DataAccuracy,
		Methodology:   signals.Methodology,
		BusinessLogic: signals.BusinessLogic,
		Compliance:    signals.Compliance,
	}

	scores.DataAccuracy = capAt(scores.DataAccuracy, v.dataAccuracyCap(draft))
	scores.Methodology = capAt(scores.Methodology, v.methodologyCap(task, draft))
	scores.BusinessLogic = capAt(scores.BusinessLogic, v.businessLogicCap(draft))
	scores.Compliance = capAt(scores.Compliance, v.complianceCap(draft))
	return scores
}

// dataAccuracyCap bounds data_accuracy from the declared reads: an empty
// draft scores zero, metrics with no successful read behind them cannot
// score well, and partial or truncated data is discounted.
func (v *Validator) dataAccuracyCap(draft *model.Draft) float64 {
	if draft.Content.Empty() {
		return 0
	}
	succeeded := 0
	failed := 0
	truncated := false
	for _, q := range draft.QueriesExecuted {
		if q.Failed {
			failed++
			continue
		}
		succeeded++
		if q.Truncated {
			truncated = true
		}
	}
	if len(draft.Content.KeyMetrics) > 0 && succeeded == 0 {
		return 0.3
	}
	for _, val := range draft.Content.KeyMetrics {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return 0
		}
	}
	ceiling := 1.0
	if failed > 0 {
		ceiling = 0.55
	} else if truncated {
		ceiling = 0.85
	}
	return ceiling
}

// methodologyCap enforces the structural requirements per question type:
// forecasts need a stated horizon and method class, comparisons need
// comparable windows, rankings need an ordering key.
func (v *Validator) methodologyCap(task *model.Task, draft *model.Draft) float64 {
	if draft.Content.Empty() {
		return 0
	}
	text := strings.ToLower(draftText(draft))
	query := strings.ToLower(task.Query)

	if containsAny(query, "forecast", "predict", "projection") {
		hasHorizon := containsAny(text, "horizon", "next quarter", "next month", "next year", "months ahead")
		hasMethod := containsAny(text, "method", "moving average", "seasonal", "trend", "regression", "exponential")
		if !hasHorizon || !hasMethod {
			return 0.5
		}
	}
	if containsAny(query, "compare", "comparison", "versus", " vs ") {
		if !containsAny(text, "period", "window", "same ", "prior", "year-over-year", "month-over-month", "quarter") {
			return 0.65
		}
	}
	if containsAny(query, "top ", "rank", "best", "highest", "lowest") {
		if !containsAny(text, "by units", "by revenue", "by ", "ranked", "ordered") {
			return 0.65
		}
	}
	return 1.0
}

// businessLogicCap requires recommendations and insights to be grounded
// in metrics rather than free-floating.
func (v *Validator) businessLogicCap(draft *model.Draft) float64 {
	if draft.Content.Empty() {
		return 0
	}
	if len(draft.Content.Recommendations) > 0 && len(draft.Content.KeyMetrics) == 0 {
		return 0.5
	}
	if len(draft.Content.Insights) == 0 && len(draft.Content.Recommendations) > 0 {
		return 0.6
	}
	return 1.0
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\b\d{3}[-.\s]\d{3}[-.\s]\d{4}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

// complianceCap scans for PII leaks and model-instruction echoes.
func (v *Validator) complianceCap(draft *model.Draft) float64 {
	if draft.Content.Empty() {
		return 0
	}
	text := draftText(draft)
	if emailPattern.MatchString(text) || phonePattern.MatchString(text) || ssnPattern.MatchString(text) {
		return 0
	}
	lower := strings.ToLower(text)
	if containsAny(lower, "as an ai", "i cannot", "system prompt", "respond with a single json") {
		return 0.4
	}
	return 1.0
}

// buildFeedback enumerates each failing axis with a concrete remediation
// and appends the model's specific issues.
func (v *Validator) buildFeedback(task *model.Task, scores model.ValidationScores, threshold float64, issues []string) []string {
	var fb []string
	failing := func(axis float64) bool {
		return axis < threshold || axis < v.minAxis
	}
	if failing(scores.DataAccuracy) {
		fb = append(fb, "cite the data source for each key metric and reconcile values with the declared reads")
	}
	if failing(scores.Methodology) {
		if containsAny(strings.ToLower(task.Query), "forecast", "predict") {
			fb = append(fb, "state the forecast horizon and method, and include confidence intervals")
		} else {
			fb = append(fb, "use comparable time windows and state the ordering key for rankings")
		}
	}
	if failing(scores.BusinessLogic) {
		fb = append(fb, "tie each recommendation to a supporting metric and resolve contradictions with the insights")
	}
	if failing(scores.Compliance) {
		fb = append(fb, "remove personally identifying fields and keep advice within the dealership scope")
	}
	for _, issue := range issues {
		issue = strings.TrimSpace(issue)
		if issue != "" {
			fb = append(fb, issue)
		}
	}
	if len(fb) == 0 {
		fb = append(fb, fmt.Sprintf("raise overall quality above %.2f for %s queries", threshold, task.Complexity))
	}
	return fb
}

func draftText(draft *model.Draft) string {
	var parts []string
	parts = append(parts, draft.Content.Summary)
	parts = append(parts, draft.Content.Insights...)
	for _, r := range draft.Content.Recommendations {
		parts = append(parts, r.Action)
	}
	parts = append(parts, draft.Content.Changes...)
	return strings.Join(parts, "\n")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func capAt(v, ceiling float64) float64 {
	if v > ceiling {
		return ceiling
	}
	return clamp01(v)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
