package specialist

import (
	"go.uber.org/zap"

	"github.com/copp1723/unified-vendora-final/internal/llm"
	"github.com/copp1723/unified-vendora-final/internal/model"
	"github.com/copp1723/unified-vendora-final/internal/warehouse"
)

const standardInstructions = `You are a dealership data analyst. Analyse the data below and answer the question with aggregations, trends, and rankings. Ground every metric in the data provided; do not invent numbers. Prefer plain language a general manager can act on.`

const seniorInstructions = `You are a senior dealership analyst handling complex and critical requests. In addition to aggregations and rankings, produce forecasts, anomaly callouts, and multi-axis comparisons where the question calls for them. Every forecast must state its horizon, its method (e.g. moving average, seasonal trend), and a confidence band. Comparisons must use comparable time windows. Ground every metric in the data provided; do not invent numbers.`

// NewStandard builds the Tier-2 analyst for simple and standard tasks.
func NewStandard(modelClient *llm.Client, wh *warehouse.Client, cfg model.WarehouseConfig, logger *zap.Logger) Specialist {
	return newAnalyst("standard_analyst", standardInstructions, 90, modelClient, wh, cfg, logger)
}

// NewSenior builds the Tier-2 analyst for complex and critical tasks.
// It reads a longer history window than the standard analyst.
func NewSenior(modelClient *llm.Client, wh *warehouse.Client, cfg model.WarehouseConfig, logger *zap.Logger) Specialist {
	return newAnalyst("senior_analyst", seniorInstructions, 365, modelClient, wh, cfg, logger)
}

func newAnalyst(name, instructions string, lookbackDays int, modelClient *llm.Client, wh *warehouse.Client, cfg model.WarehouseConfig, logger *zap.Logger) Specialist {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRows := cfg.MaxRowsInPrompt
	if maxRows <= 0 {
		maxRows = 200
	}
	return &analyst{
		name:            name,
		model:           modelClient,
		wh:              wh,
		maxRowsInPrompt: maxRows,
		lookbackDays:    lookbackDays,
		instructions:    instructions,
		logger:          logger,
	}
}
