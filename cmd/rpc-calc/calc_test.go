package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculate(t *testing.T) {
	ctx := context.Background()

	t.Run("arithmetic", func(t *testing.T) {
		for op, want := range map[string]int64{"add": 9, "sub": 3, "mul": 18, "div": 2} {
			got, err := Calculate(ctx, Operation{Op: op, A: 6, B: 3})
			require.NoError(t, err, op)
			assert.Equal(t, want, got, op)
		}
	})

	t.Run("division by zero", func(t *testing.T) {
		_, err := Calculate(ctx, Operation{Op: "div", A: 1, B: 0})
		assert.EqualError(t, err, "division by zero")
	})

	t.Run("unknown operation", func(t *testing.T) {
		_, err := Calculate(ctx, Operation{Op: "pow", A: 2, B: 8})
		assert.ErrorIs(t, err, errUnknownOperation)
	})
}

func TestParseOperation(t *testing.T) {
	op, err := parseOperation([]string{"add", "2", "-3"})
	require.NoError(t, err)
	assert.Equal(t, Operation{Op: "add", A: 2, B: -3}, op)

	_, err = parseOperation([]string{"add", "two", "3"})
	assert.Error(t, err)
}
