package masterflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConflictingFields(t *testing.T) {
	existing := map[string]any{
		"cpu":      4,
		"memory":   16,
		"hostname": "db-01",
	}

	t.Run("only differing shared fields conflict", func(t *testing.T) {
		incoming := map[string]any{
			"cpu":      8,
			"memory":   16,
			"hostname": "db-01",
		}
		require.Equal(t, []string{"cpu"}, conflictingFields(existing, incoming))
	})

	t.Run("fields absent from existing are not conflicts", func(t *testing.T) {
		incoming := map[string]any{
			"cpu":  4,
			"rack": "r12",
		}
		require.Empty(t, conflictingFields(existing, incoming))
	})

	t.Run("identical payload is conflict free", func(t *testing.T) {
		require.Empty(t, conflictingFields(existing, existing))
	})

	t.Run("multiple conflicts sorted by name", func(t *testing.T) {
		incoming := map[string]any{
			"memory":   32,
			"cpu":      8,
			"hostname": "db-01",
		}
		require.Equal(t, []string{"cpu", "memory"}, conflictingFields(existing, incoming))
	})
}

func TestDedupeBatch(t *testing.T) {
	batch := []IncomingEntity{
		{NaturalKey: "srv-1", Fields: map[string]any{"cpu": 2, "memory": 8}},
		{NaturalKey: "srv-2", Fields: map[string]any{"cpu": 4}},
		{NaturalKey: "srv-1", Fields: map[string]any{"cpu": 16}},
	}

	deduped := dedupeBatch(batch)
	require.Len(t, deduped, 2)

	// First occurrence order preserved, last write wins per field.
	require.Equal(t, "srv-1", deduped[0].NaturalKey)
	require.Equal(t, 16, deduped[0].Fields["cpu"])
	require.Equal(t, 8, deduped[0].Fields["memory"])
	require.Equal(t, "srv-2", deduped[1].NaturalKey)
}

func TestResolutionStrategyValid(t *testing.T) {
	require.True(t, ResolutionKeepExisting.Valid())
	require.True(t, ResolutionReplace.Valid())
	require.True(t, ResolutionMerge.Valid())
	require.False(t, ResolutionStrategy("drop").Valid())
}
