package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-detection/detection/internal/executors"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/models"
)

func TestDefault(t *testing.T) {
	r := Default()

	assert.Len(t, r.Types(), 6)
	for _, typ := range r.Types() {
		assert.True(t, typ.IsValid(), typ)
		def, err := r.Get(typ)
		require.NoError(t, err)
		assert.NotNil(t, def.New())
	}

	threshold, err := r.Get(models.RuleTypeThreshold)
	require.NoError(t, err)
	assert.False(t, threshold.SupportsListExceptions)
	assert.IsType(t, &executors.Threshold{}, threshold.New())

	ml, err := r.Get(models.RuleTypeMachineLearning)
	require.NoError(t, err)
	assert.False(t, ml.UsesEventQuery)
}

func TestGet_Unknown(t *testing.T) {
	_, err := Default().Get("saved_query")
	assert.ErrorIs(t, err, ErrUnknownRuleType)
}

func TestNew_Invalid(t *testing.T) {
	def := Definition{ID: models.RuleTypeQuery, New: executors.NewQuery}

	_, err := New(def, def)
	assert.ErrorContains(t, err, "registered twice")

	_, err = New(Definition{ID: models.RuleTypeQuery})
	assert.ErrorContains(t, err, "incomplete")
}
