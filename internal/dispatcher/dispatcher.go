// Package dispatcher implements Tier 1 of the pipeline: intent
// classification with specialist routing, and formatting of the final
// caller-visible response.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/copp1723/unified-vendora-final/internal/llm"
	"github.com/copp1723/unified-vendora-final/internal/model"
)

// SpecialistStandard and SpecialistSenior are the two Tier-2 routes.
const (
	SpecialistStandard = "standard_analyst"
	SpecialistSenior   = "senior_analyst"
)

// Classification is the dispatch decision for a task.
type Classification struct {
	Complexity  model.Complexity
	DataSources []string
	Specialist  string
	Methodology string
	TimeRange   string
	// Warnings records recoverable classification issues (malformed
	// model output) for the task's error log.
	Warnings []string
}

// classifierOutput is the JSON shape the model is asked for.
type classifierOutput struct {
	Signals     []string `json:"signals"`
	DataSources []string `json:"data_sources"`
	TimeRange   string   `json:"time_range"`
	KeyMetrics  []string `json:"key_metrics"`
	Methodology string   `json:"methodology"`
}

type Dispatcher struct {
	model  *llm.Client
	logger *zap.Logger
}

func New(modelClient *llm.Client, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{model: modelClient, logger: logger}
}

// Classify assigns complexity, data sources, and the specialist route.
// Complexity assignment is rule-based over the model's signals; a
// malformed classification falls back to keyword matching over the raw
// query and finally to standard, recording a warning either way. Only a
// model outage after retries is fatal.
func (d *Dispatcher) Classify(ctx context.Context, task *model.Task) (*Classification, error) {
	prompt := buildClassifierPrompt(task)

	var out classifierOutput
	_, err := d.model.GenerateJSON(ctx, prompt, &out)
	if err != nil {
		if model.IsKind(err, model.KindModelMalformed) {
			d.logger.Warn("classification malformed, using keyword fallback",
				zap.String("task_id", task.ID), zap.Error(err))
			c := fallbackClassification(task.Query)
			c.Warnings = append(c.Warnings, "classification_malformed: "+err.Error())
			return c, nil
		}
		return nil, model.WrapError(model.KindClassificationFailed, "intent classification failed", err)
	}

	complexity := complexityFromSignals(out.Signals)
	c := &Classification{
		Complexity:  complexity,
		DataSources: normaliseSources(out.DataSources),
		Specialist:  specialistFor(complexity),
		Methodology: out.Methodology,
		TimeRange:   out.TimeRange,
	}
	d.logger.Info("task classified",
		zap.String("task_id", task.ID),
		zap.String("complexity", string(c.Complexity)),
		zap.String("specialist", c.Specialist),
		zap.Strings("data_sources", c.DataSources))
	return c, nil
}

func buildClassifierPrompt(task *model.Task) string {
	var b strings.Builder
	b.WriteString("You are performing intent classification for an automotive dealership analytics system.\n\n")
	fmt.Fprintf(&b, "Query: %s\n", task.Query)
	if len(task.Context) > 0 {
		keys := make([]string, 0, len(task.Context))
		for k := range task.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Caller context:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %v\n", k, task.Context[k])
		}
	}
	b.WriteString(`
Identify the analytical signals in the query and respond with a single JSON object:
{
  "signals": ["forecast"|"predict"|"anomaly"|"strategic"|"risk"|"compliance"|"what-if"|"optimization"|"trend"|"comparison"|"top"|"aggregation"|"lookup", ...],
  "data_sources": ["sales"|"inventory"|"customers"|"service"|"finance", ...],
  "time_range": "short description",
  "key_metrics": ["metric", ...],
  "methodology": "short description"
}
`)
	return b.String()
}

var criticalSignals = map[string]bool{
	"risk":       true,
	"compliance": true,
	"strategic":  true,
	"investment": true,
}

var complexSignals = map[string]bool{
	"forecast":     true,
	"predict":      true,
	"prediction":   true,
	"anomaly":      true,
	"what-if":      true,
	"optimization": true,
}

var standardSignals = map[string]bool{
	"trend":       true,
	"comparison":  true,
	"compare":     true,
	"top":         true,
	"aggregation": true,
	"average":     true,
	"total":       true,
	"breakdown":   true,
	"ranking":     true,
}

// complexityFromSignals applies the fixed rule table: the strongest
// signal class present wins; no signals means a single-metric lookup.
func complexityFromSignals(signals []string) model.Complexity {
	hasComplex, hasStandard := false, false
	for _, s := range signals {
		s = strings.ToLower(strings.TrimSpace(s))
		switch {
		case criticalSignals[s]:
			return model.ComplexityCritical
		case complexSignals[s]:
			hasComplex = true
		case standardSignals[s]:
			hasStandard = true
		}
	}
	switch {
	case hasComplex:
		return model.ComplexityComplex
	case hasStandard:
		return model.ComplexityStandard
	default:
		return model.ComplexitySimple
	}
}

// fallbackClassification pattern-matches the raw query when the model's
// answer could not be parsed.
func fallbackClassification(query string) *Classification {
	lower := strings.ToLower(query)
	complexity := model.ComplexityStandard
	switch {
	case containsAny(lower, "risk", "compliance", "audit", "strategic decision", "investment"):
		complexity = model.ComplexityCritical
	case containsAny(lower, "forecast", "predict", "anomaly", "what-if", "optimi"):
		complexity = model.ComplexityComplex
	case containsAny(lower, "top", "trend", "compar", "average", "total", "breakdown", "rank"):
		complexity = model.ComplexityStandard
	}

	sources := []string{"sales"}
	if containsAny(lower, "inventory", "stock", "vehicles on") {
		sources = append(sources, "inventory")
	}
	if containsAny(lower, "customer", "buyer", "client") {
		sources = append(sources, "customers")
	}
	if containsAny(lower, "service", "repair", "maintenance") {
		sources = append(sources, "service")
	}

	return &Classification{
		Complexity:  complexity,
		DataSources: sources,
		Specialist:  specialistFor(complexity),
		Methodology: "standard_analysis",
		TimeRange:   "last_30_days",
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func specialistFor(c model.Complexity) string {
	switch c {
	case model.ComplexityComplex, model.ComplexityCritical:
		return SpecialistSenior
	default:
		return SpecialistStandard
	}
}

var knownSources = map[string]bool{
	"sales":     true,
	"inventory": true,
	"customers": true,
	"service":   true,
	"finance":   true,
}

func normaliseSources(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if knownSources[s] && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = []string{"sales"}
	}
	return out
}

// Format produces the caller-visible response for an approved draft.
// It is a pure function of its inputs: calling it twice yields equal
// responses.
func Format(task *model.Task, draft *model.Draft, processingTime time.Duration, cached bool) *model.Response {
	score := 0.0
	if draft.QualityScore != nil {
		score = *draft.QualityScore
	}
	return &model.Response{
		Summary:         draft.Content.Summary,
		Detailed:        draft.Content,
		ConfidenceLevel: model.ConfidenceFor(score),
		Visualization:   suggestVisualization(draft.Content),
		Metadata: model.ResponseMeta{
			TaskID:           task.ID,
			Complexity:       task.Complexity,
			ProcessingTimeMs: processingTime.Milliseconds(),
			RevisionsUsed:    task.RevisionsUsed,
			Cached:           cached,
		},
	}
}

// suggestVisualization picks a chart type from the content shape.
func suggestVisualization(content model.DraftContent) *model.Visualization {
	text := strings.ToLower(content.Summary + " " + strings.Join(content.Insights, " "))
	switch {
	case containsAny(text, "forecast", "trend", "over time", "projected"):
		return &model.Visualization{Type: model.VizLine}
	case containsAny(text, "top ", "rank", "compar", "versus", "leading"):
		return &model.Visualization{Type: model.VizBar}
	case containsAny(text, "share", "proportion", "% of", "mix"):
		return &model.Visualization{Type: model.VizPie}
	case len(content.KeyMetrics) > 0:
		return &model.Visualization{Type: model.VizTable}
	default:
		return nil
	}
}
