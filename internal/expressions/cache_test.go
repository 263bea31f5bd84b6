package expressions

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/pkg/schema"
)

func TestProgramCache(t *testing.T) {
	calls := 0
	c := newProgramCache("test", func(src string) (int, error) {
		calls++
		if src == "bad" {
			return 0, errors.New("nope")
		}
		return len(src), nil
	})

	v, err := c.get("abc")
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	_, _ = c.get("abc")
	assert.Equal(t, 1, calls)

	_, err = c.get("bad")
	assert.Error(t, err)
	_, _ = c.get("bad")
	assert.Equal(t, 3, calls, "failures are not cached")
	assert.Equal(t, 1, c.size())

	_, err = c.get("")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "empty test expression")
}

func TestExprError(t *testing.T) {
	cause := errors.New("unexpected token")
	err := exprError("jq", "parse", ".a |", cause)
	assert.Equal(t, schema.ErrCodeValidation, err.Code)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ".a |", err.Details["expression"])
	assert.Contains(t, err.Error(), `jq parse error in ".a |"`)
}
