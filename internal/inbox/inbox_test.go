package inbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/stepflow/internal/adapter/store/memory"
)

func TestDeriveKeyStableAcrossKeyOrder(t *testing.T) {
	a := DeriveKey("r1", "fetch", json.RawMessage(`{"a":1,"b":2}`))
	b := DeriveKey("r1", "fetch", json.RawMessage(`{"b":2,"a":1}`))
	assert.Equal(t, a, b, "key ordering must not change the derived key")

	c := DeriveKey("r1", "fetch", json.RawMessage(`{"a":1,"b":3}`))
	assert.NotEqual(t, a, c)
}

func TestDeriveKeyShape(t *testing.T) {
	k := DeriveKey("r1", "fetch", nil)
	assert.Regexp(t, `^r1:fetch:[0-9a-f]{12}$`, k)
}

func TestGuardAcquireOnceThenRelease(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(memory.New())

	fresh, err := g.Acquire(ctx, "step-exec:s1")
	require.NoError(t, err)
	assert.True(t, fresh)

	dup, err := g.Acquire(ctx, "step-exec:s1")
	require.NoError(t, err)
	assert.False(t, dup, "second acquire must observe the existing key")

	g.Release(ctx, "step-exec:s1")

	again, err := g.Acquire(ctx, "step-exec:s1")
	require.NoError(t, err)
	assert.True(t, again, "released key is acquirable again")
}
