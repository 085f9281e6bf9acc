package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisputeLifecycle(t *testing.T) {
	p := &StripePayment{ID: "sp1", DisputeStatus: DisputeNone}

	changed, err := p.OpenDispute("dp_1", "fraudulent", t0)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, p.LateFeesFrozen)
	assert.False(t, p.LateFeesAllowed())

	changed, err = p.OpenDispute("dp_1", "fraudulent", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed, "webhook retry must be a no-op")
	assert.Equal(t, t0, *p.DisputeInitiatedAt)

	changed, err = p.ResolveDispute(false, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, DisputeChargebackLost, p.DisputeStatus)
	assert.False(t, p.LateFeesFrozen)

	changed, err = p.ResolveDispute(false, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = p.ResolveDispute(true, t0.Add(2*time.Hour))
	assert.Error(t, err)
}

func TestResolveWithoutOpenDisputeFails(t *testing.T) {
	p := &StripePayment{ID: "sp2", DisputeStatus: DisputeNone}
	_, err := p.ResolveDispute(true, t0)
	assert.Error(t, err)
	assert.False(t, p.LateFeesFrozen)
}

func TestSecondDisputeOnResolvedPaymentFails(t *testing.T) {
	p := &StripePayment{ID: "sp3", DisputeStatus: DisputeChargebackWon, DisputeID: "dp_1"}
	_, err := p.OpenDispute("dp_2", "duplicate", t0)
	assert.Error(t, err)
}
