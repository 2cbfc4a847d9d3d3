package rules

import (
	"testing"
	"time"

	"github.com/questline/questline/testing/assert"
	"github.com/questline/questline/testing/require"
)

func TestBuiltinFunctions(t *testing.T) {
	fns := builtinFunctions()

	out, err := fns["now"](nil)
	require.NoError(t, err)
	now := out.(float64)
	wall := float64(time.Now().UnixMilli())
	if now < wall-5000 || now > wall+5000 {
		t.Fatalf("now() returned %v, wall clock is %v", now, wall)
	}

	out, err = fns["date"]("2024-03-01", nil)
	require.NoError(t, err)
	want := float64(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli())
	assert.Equal(t, want, out)

	out, err = fns["date"](float64(1700000000000), nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1700000000000), out, "numeric timestamps pass through")

	_, err = fns["date"]("yesterday-ish")
	assert.ErrorContains(t, "date", err)

	out, err = fns["length"]("héllo")
	require.NoError(t, err)
	assert.Equal(t, float64(5), out, "string length counts runes")

	out, err = fns["length"]([]interface{}{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, float64(3), out)

	out, err = fns["length"](nil)
	require.NoError(t, err)
	assert.Equal(t, float64(0), out)

	out, err = fns["abs"](float64(-4.5))
	require.NoError(t, err)
	assert.Equal(t, float64(4.5), out)

	out, err = fns["round"](float64(2.5))
	require.NoError(t, err)
	assert.Equal(t, float64(3), out)

	out, err = fns["min"]([]interface{}{float64(7), float64(2)}, float64(5))
	require.NoError(t, err)
	assert.Equal(t, float64(2), out, "min folds list elements and extra args")

	out, err = fns["max"](float64(1), float64(9), float64(4))
	require.NoError(t, err)
	assert.Equal(t, float64(9), out)

	out, err = fns["lowercase"]("GoLD")
	require.NoError(t, err)
	assert.Equal(t, "gold", out)

	out, err = fns["trim"]("  spaced  ")
	require.NoError(t, err)
	assert.Equal(t, "spaced", out)
}

func TestRandomFunctions(t *testing.T) {
	fns := builtinFunctions()

	for i := 0; i < 20; i++ {
		out, err := fns["random"](nil)
		require.NoError(t, err)
		v := out.(float64)
		if v < 0 || v >= 1 {
			t.Fatalf("random() = %v, want [0, 1)", v)
		}
	}

	for i := 0; i < 20; i++ {
		out, err := fns["randomInt"](nil, float64(10), float64(3))
		require.NoError(t, err)
		v := out.(float64)
		if v < 3 || v > 10 {
			t.Fatalf("randomInt(10, 3) = %v, want inclusive [3, 10] with swapped bounds", v)
		}
		assert.Equal(t, v, float64(int64(v)), "randomInt yields integers")
	}
}
