package ferr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCauseChain(t *testing.T) {
	root := errors.New("disk full")
	err := Wrap(CategoryIO, "write_failed", root, "writing %s", "out.bin")

	assert.ErrorIs(t, err, root)
	assert.Contains(t, err.Error(), "io/write_failed")
	assert.Contains(t, err.Error(), "disk full")
}

func TestAtAndSuggestChain(t *testing.T) {
	err := New(CategoryParse, "unknown_field", "unknown field 'foo'").
		At(Location{File: "BUILD.forge", Line: 12, Column: 3}).
		Suggest(SuggestDocumentation, "see the target schema reference").
		Suggest(SuggestCommand, "forge query //...")

	require.Len(t, err.Suggestions, 2)
	rendered := err.Render()
	assert.Contains(t, rendered, "BUILD.forge:12:3")
	assert.Contains(t, rendered, "→ see the target schema reference")
	assert.Contains(t, rendered, "$ forge query //...")
}

func TestRecoverableClassification(t *testing.T) {
	cases := []struct {
		err  *Error
		want bool
	}{
		{New(CategoryNetwork, "connect", "dial failed"), true},
		{New(CategoryCache, "write", "bbolt busy"), true},
		{New(CategoryAction, "timeout", "walltime exceeded"), true},
		{New(CategoryAction, "nonzero_exit", "exit 1"), false},
		{New(CategoryGraph, "cycle", "a -> b -> a"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.Recoverable(), tc.err.Code)
	}
}

func TestAggregatorFailFastStopsAfterFirst(t *testing.T) {
	agg := NewAggregator(FailFast)
	stop := agg.Add(New(CategoryParse, "syntax", "unexpected token"))
	assert.True(t, stop)
	assert.Len(t, agg.Errors, 1)
}

func TestAggregatorCollectAllNeverStops(t *testing.T) {
	agg := NewAggregator(CollectAll)
	for i := 0; i < 3; i++ {
		stop := agg.Add(New(CategoryParse, "syntax", "bad token"))
		assert.False(t, stop)
	}
	assert.Len(t, agg.Errors, 3)
	assert.True(t, agg.HasErrors())
}
