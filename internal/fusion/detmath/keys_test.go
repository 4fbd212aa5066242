package detmath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyField(t *testing.T) {
	t.Parallel()

	cls, err := ClassifyField("fused_depth")
	require.NoError(t, err)
	assert.Equal(t, FieldDeterminism, cls)

	cls, err = ClassifyField("latency_nanos")
	require.NoError(t, err)
	assert.Equal(t, FieldIgnored, cls)

	cls, err = ClassifyField("surprise_field")
	assert.ErrorIs(t, err, ErrUnknownField)
	assert.Equal(t, FieldUnknown, cls)
}

func TestValidateFields(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateFields([]string{"gate", "noise_sigma", "frame_seq"}))

	err := ValidateFields([]string{"gate", "typo_field"})
	require.ErrorIs(t, err, ErrUnknownField)
	assert.Contains(t, err.Error(), "typo_field")
}

func TestRegistriesDisjoint(t *testing.T) {
	t.Parallel()

	for k := range determinismKeys {
		_, dup := ignoredKeys[k]
		assert.False(t, dup, "field %q tagged on both sides", k)
	}
}

func TestDeterminismKeysSorted(t *testing.T) {
	t.Parallel()

	keys := DeterminismKeys()
	require.Len(t, keys, len(determinismKeys))
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}
}
