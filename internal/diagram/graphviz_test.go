package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

func TestRenderImagePNG(t *testing.T) {
	model, err := Build(triageWorkflow(), nil, nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model, FormatPNG)
	require.NoError(t, err)
	require.True(t, len(png) > 8, "PNG should be larger than header")

	// PNG magic bytes: 0x89 P N G.
	assert.Equal(t, byte(0x89), png[0])
	assert.Equal(t, byte('P'), png[1])
	assert.Equal(t, byte('N'), png[2])
	assert.Equal(t, byte('G'), png[3])
}

func TestRenderImageSVGWithStatus(t *testing.T) {
	inst := &store.Instance{ID: "inst-1", Status: schema.InstanceStatusRunning, CurrentStepIndex: 2}
	history := []*store.StepHistory{
		{StepID: "classify", Status: schema.StepStatusCompleted},
		{StepID: "enrich", Status: schema.StepStatusFailed},
	}
	model, err := Build(triageWorkflow(), inst, history)
	require.NoError(t, err)

	svg, err := RenderImage(context.Background(), model, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "classify")
}

func TestRenderImageUnsupportedFormat(t *testing.T) {
	model, err := Build(triageWorkflow(), nil, nil)
	require.NoError(t, err)

	_, err = RenderImage(context.Background(), model, "gif")
	assert.Error(t, err)
}
