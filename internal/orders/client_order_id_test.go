package orders

import (
	"context"
	"testing"
	"time"

	"gap-trading-bot/config"
	"gap-trading-bot/internal/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()
	// Redis disabled: sequences come from the in-memory fallback counter.
	kv, err := cache.NewCacheService(config.RedisConfig{Enabled: false})
	require.NoError(t, err)
	return NewGenerator(kv, time.UTC)
}

func TestGenerateSequentialIDs(t *testing.T) {
	g := newTestGenerator(t)
	ctx := context.Background()

	full1, base1, err := g.Generate(ctx, RoleEntry)
	require.NoError(t, err)
	full2, base2, err := g.Generate(ctx, RoleEntry)
	require.NoError(t, err)

	assert.NotEqual(t, full1, full2)
	assert.NotEqual(t, base1, base2)
	assert.True(t, IsManaged(full1))
	assert.NoError(t, Validate(full1))

	date := time.Now().UTC().Format("20060102")
	assert.Equal(t, "gap-"+date+"-000001-E", full1)
	assert.Equal(t, "gap-"+date+"-000002-E", full2)
}

func TestRelatedSharesBase(t *testing.T) {
	g := newTestGenerator(t)

	full, base, err := g.Generate(context.Background(), RoleEntry)
	require.NoError(t, err)

	stopID, err := Related(base, RoleStop)
	require.NoError(t, err)
	assert.Equal(t, base+"-SL", stopID)

	gotBase, err := BaseID(full)
	require.NoError(t, err)
	assert.Equal(t, base, gotBase)

	gotBase, err = BaseID(stopID)
	require.NoError(t, err)
	assert.Equal(t, base, gotBase)
}

func TestFallbackWithoutCache(t *testing.T) {
	g := NewGenerator(nil, time.UTC)

	full, base, err := g.Generate(context.Background(), RoleClose)
	require.NoError(t, err)

	assert.True(t, IsFallbackID(full))
	assert.True(t, IsManaged(full))
	assert.Contains(t, full, base)
}

func TestIsManagedRejectsForeignOrders(t *testing.T) {
	assert.False(t, IsManaged("manual-order-1"))
	assert.False(t, IsManaged(""))
	assert.True(t, IsManaged("gap-20260302-000001-E"))
}

func TestValidate(t *testing.T) {
	assert.Error(t, Validate(""))
	assert.Error(t, Validate("other-20260302-000001-E"))
	assert.NoError(t, Validate("gap-20260302-000001-SL"))
}
