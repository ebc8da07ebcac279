package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evfleet/fleetd/core/geo"
	"github.com/evfleet/fleetd/core/model"
	"github.com/evfleet/fleetd/core/store"
	"github.com/evfleet/fleetd/infra/logger"
)

func testRegistry(t *testing.T, mem *store.Memory, starter *fakeStarter, overrides ...map[string]any) *CampaignRegistry {
	t.Helper()
	m, err := NewMatcher(mem, testResolver(t, overrides...), starter, nil, logger.NopLogger{})
	require.NoError(t, err)
	r, err := NewCampaignRegistry(m, mem, testResolver(t, overrides...), nil, logger.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestCampaignDrainsPendingOrders(t *testing.T) {
	mem := store.NewMemory()
	mem.PutVehicle(idleVehicle("veh1", geo.Point{X: 0, Y: 0}))
	mem.PutVehicle(idleVehicle("veh2", geo.Point{X: 10, Y: 10}))
	for i, id := range []string{"ord1", "ord2", "ord3"} {
		o := pendingOrder(id, geo.Point{X: 100, Y: 100})
		o.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		mem.PutOrder(o)
	}
	starter := &fakeStarter{}
	r := testRegistry(t, mem, starter)
	ctx := context.Background()

	id, err := r.Start(ctx, 10, "almaty")
	require.NoError(t, err)
	r.Wait(id)

	c, err := r.Status(id)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, c.Status)
	assert.Equal(t, model.ReasonNoProgress, c.Reason)
	assert.Equal(t, 3, c.TotalTarget)
	assert.Equal(t, 2, c.Successful)
	assert.Equal(t, c.Successful+c.Failed, c.Processed)

	// both vehicles were consumed, the third order has nobody left
	left, err := mem.PendingCount(ctx, "almaty")
	require.NoError(t, err)
	assert.Equal(t, 1, left)
}

func TestCampaignStopIsCooperative(t *testing.T) {
	mem := store.NewMemory()
	for _, id := range []string{"veh1", "veh2", "veh3"} {
		mem.PutVehicle(idleVehicle(id, geo.Point{X: 0, Y: 0}))
	}
	for _, id := range []string{"ord1", "ord2", "ord3"} {
		mem.PutOrder(pendingOrder(id, geo.Point{X: 100, Y: 100}))
	}
	starter := &fakeStarter{
		entered: make(chan struct{}, 8),
		block:   make(chan struct{}),
	}
	r := testRegistry(t, mem, starter)

	id, err := r.Start(context.Background(), 10, "almaty")
	require.NoError(t, err)

	// stop while the first assignment is in flight; it completes, the rest
	// of the batch does not start
	<-starter.entered
	require.NoError(t, r.Stop(id))
	close(starter.block)
	r.Wait(id)

	c, err := r.Status(id)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, c.Status)
	assert.Equal(t, model.ReasonStopped, c.Reason)
	assert.Equal(t, 1, c.Processed)
	assert.Equal(t, 1, starter.count())
}

func TestCampaignStatusForceCompletesStale(t *testing.T) {
	mem := store.NewMemory()
	mem.PutVehicle(idleVehicle("veh1", geo.Point{X: 0, Y: 0}))
	mem.PutOrder(pendingOrder("ord1", geo.Point{X: 100, Y: 100}))
	starter := &fakeStarter{
		entered: make(chan struct{}, 8),
		block:   make(chan struct{}),
	}
	r := testRegistry(t, mem, starter, map[string]any{"sim.campaign_stale_seconds": 0.05})

	id, err := r.Start(context.Background(), 10, "almaty")
	require.NoError(t, err)
	<-starter.entered
	time.Sleep(120 * time.Millisecond)

	c, err := r.Status(id)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, c.Status)
	assert.Equal(t, model.ReasonStale, c.Reason)

	close(starter.block)
	r.Wait(id)
}

func TestCampaignCompletesWhenExhausted(t *testing.T) {
	mem := store.NewMemory()
	mem.PutVehicle(idleVehicle("veh1", geo.Point{X: 0, Y: 0}))
	mem.PutOrder(pendingOrder("ord1", geo.Point{X: 100, Y: 100}))
	r := testRegistry(t, mem, &fakeStarter{})

	id, err := r.Start(context.Background(), 5, "almaty")
	require.NoError(t, err)
	r.Wait(id)

	c, err := r.Status(id)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, c.Status)
	assert.Equal(t, model.ReasonExhausted, c.Reason)
	assert.Equal(t, 1, c.Successful)
}

func TestCampaignUnknownID(t *testing.T) {
	r := testRegistry(t, store.NewMemory(), &fakeStarter{})
	_, err := r.Status("nope")
	assert.ErrorIs(t, err, ErrUnknownCampaign)
	assert.ErrorIs(t, r.Stop("nope"), ErrUnknownCampaign)
	assert.ErrorIs(t, r.Clear("nope"), ErrUnknownCampaign)
}

func TestCampaignClear(t *testing.T) {
	mem := store.NewMemory()
	mem.PutOrder(pendingOrder("ord1", geo.Point{X: 100, Y: 100}))
	r := testRegistry(t, mem, &fakeStarter{})

	id, err := r.Start(context.Background(), 5, "almaty")
	require.NoError(t, err)
	r.Wait(id)

	require.NoError(t, r.Clear(id))
	_, err = r.Status(id)
	assert.ErrorIs(t, err, ErrUnknownCampaign)
}

func TestCampaignRejectsBadBatchSize(t *testing.T) {
	r := testRegistry(t, store.NewMemory(), &fakeStarter{})
	_, err := r.Start(context.Background(), 0, "almaty")
	require.Error(t, err)
}
