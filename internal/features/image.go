package features

import (
	"context"

	"quantpilot/internal/llm"
	"quantpilot/pkg/types"
)

const imageAnalysisPrompt = `You are a trading dashboard analyst. Describe ` +
	`the notable signals visible in this dashboard screenshot as concise ` +
	`markdown: trend direction, unusual volume, and any risk flags.`

// ImageComputer runs MLLM analysis over a dashboard screenshot, producing
// a single textual feature vector.
type ImageComputer struct {
	client llm.Client
	model  string
}

// NewImageComputer creates an image computer bound to a vision-capable model.
func NewImageComputer(client llm.Client, model string) *ImageComputer {
	return &ImageComputer{client: client, model: model}
}

// Compute analyzes the image and returns a one-element vector list with a
// report_markdown value.
func (c *ImageComputer) Compute(ctx context.Context, ts int64, png []byte) ([]types.FeatureVector, error) {
	report, err := c.client.AnalyzeImage(ctx, c.model, imageAnalysisPrompt, png)
	if err != nil {
		return nil, err
	}
	return []types.FeatureVector{{
		TS:     ts,
		Values: map[string]any{"report_markdown": report},
		Meta:   map[string]any{types.MetaGroupBy: types.GroupImageAnalysis},
	}}, nil
}
