package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationCatalogue(t *testing.T) {
	require.Len(t, CorrelationCatalogue, 4)
	seen := map[string]bool{}
	for _, d := range CorrelationCatalogue {
		assert.False(t, seen[d.ID], "duplicate %s", d.ID)
		seen[d.ID] = true
		assert.True(t, d.Severity.IsValid())
		assert.NotEmpty(t, d.MitreTechniques)

		byType, ok := Descriptor(d.Type)
		require.True(t, ok)
		assert.Equal(t, d.ID, byType.ID)
	}

	d, ok := DescriptorByID("CORR-0002")
	require.True(t, ok)
	assert.Equal(t, CorrelationConnectionBurst, d.Type)
	assert.Equal(t, SeverityMedium, d.Severity)

	_, ok = DescriptorByID("CORR-9999")
	assert.False(t, ok)
}
