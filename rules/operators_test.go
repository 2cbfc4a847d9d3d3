package rules

import (
	"testing"

	"github.com/questline/questline/testing/assert"
	"github.com/questline/questline/testing/require"
)

func TestLooseAndStrictEquality(t *testing.T) {
	assert.Equal(t, true, looseEqual("5", float64(5)), "numeric string unifies loosely")
	assert.Equal(t, true, looseEqual(int64(5), float64(5)))
	assert.Equal(t, false, looseEqual("5a", float64(5)))
	assert.Equal(t, true, looseEqual(nil, nil))
	assert.Equal(t, false, looseEqual(nil, float64(0)))

	assert.Equal(t, false, strictEqual("5", float64(5)), "strict equality keeps types apart")
	assert.Equal(t, true, strictEqual(float64(5), float64(5)))
	assert.Equal(t, true, strictEqual("gold", "gold"))
	assert.Equal(t, false, strictEqual(true, float64(1)))
}

func TestOrderingOperators(t *testing.T) {
	ops := builtinOperators()

	ok, err := ops[OpGte]("10", float64(10))
	require.NoError(t, err)
	assert.Equal(t, true, ok, "numeric strings order numerically")

	ok, err = ops[OpLt]("apple", "banana")
	require.NoError(t, err)
	assert.Equal(t, true, ok, "non-numeric strings order lexicographically")

	_, err = ops[OpGt](true, float64(1))
	assert.ErrorContains(t, "cannot order", err)
}

func TestMembershipAndContains(t *testing.T) {
	list := []interface{}{"gold", "platinum", float64(3)}

	ok, err := membership("gold", list)
	require.NoError(t, err)
	assert.Equal(t, true, ok)

	ok, err = membership(float64(3), list)
	require.NoError(t, err)
	assert.Equal(t, true, ok, "membership uses loose equality")

	_, err = membership("gold", "not-a-list")
	assert.ErrorContains(t, "needs a list", err)

	ok, err = contains("purchase.completed", "purchase")
	require.NoError(t, err)
	assert.Equal(t, true, ok)

	ok, err = contains(list, "platinum")
	require.NoError(t, err)
	assert.Equal(t, true, ok)

	ok, err = contains(list, "silver")
	require.NoError(t, err)
	assert.Equal(t, false, ok)
}

func TestBetweenIsInclusiveAndToleratesSwappedBounds(t *testing.T) {
	for _, v := range []float64{1, 5, 10} {
		ok, err := between(v, []interface{}{float64(1), float64(10)})
		require.NoError(t, err)
		assert.Equal(t, true, ok, "bound value %v must be inside", v)
	}

	ok, err := between(float64(0.5), []interface{}{float64(1), float64(10)})
	require.NoError(t, err)
	assert.Equal(t, false, ok)

	ok, err = between(float64(5), []interface{}{float64(10), float64(1)})
	require.NoError(t, err)
	assert.Equal(t, true, ok, "inverted bounds are normalised")

	_, err = between(float64(5), []interface{}{float64(1)})
	assert.ErrorContains(t, "[lo, hi]", err)
}
