package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticResolver_AssignedAndFallback(t *testing.T) {
	r, err := NewStaticResolver(nil, map[string]Tier{"acct-pro": TierPro}, TierFree)
	require.NoError(t, err)

	p, err := r.GetPlan(context.Background(), "acct-pro")
	require.NoError(t, err)
	assert.Equal(t, TierPro, p.Tier)
	assert.Equal(t, 60, p.RateLimitCeilingPerMinute)

	p, err = r.GetPlan(context.Background(), "someone-else")
	require.NoError(t, err)
	assert.Equal(t, TierFree, p.Tier)

	require.NoError(t, r.Assign("someone-else", TierPremium))
	p, _ = r.GetPlan(context.Background(), "someone-else")
	assert.Equal(t, 300, p.RateLimitCeilingPerMinute)
}

func TestStaticResolver_Validation(t *testing.T) {
	_, err := NewStaticResolver([]Plan{{Tier: "x", RateLimitCeilingPerMinute: 0}}, nil, "x")
	assert.Error(t, err)

	_, err = NewStaticResolver(nil, nil, "gold")
	assert.Error(t, err)

	_, err = NewStaticResolver(nil, map[string]Tier{"a": "gold"}, TierFree)
	assert.Error(t, err)

	r, err := NewStaticResolver(nil, nil, "")
	require.NoError(t, err)
	assert.Error(t, r.Assign("a", "gold"))
}

func TestStaticResolver_CancelledContext(t *testing.T) {
	r, err := NewStaticResolver(nil, nil, TierFree)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.GetPlan(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}
