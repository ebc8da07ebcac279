package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/evfleet/fleetd/core/events"
	"github.com/evfleet/fleetd/core/logger"
	"github.com/evfleet/fleetd/core/model"
	"github.com/evfleet/fleetd/core/params"
	"github.com/evfleet/fleetd/core/store"
	"github.com/evfleet/fleetd/internal/eventbus"
)

// ErrUnknownCampaign is returned for operations on a campaign id that was
// never started or has been cleared.
var ErrUnknownCampaign = errors.New("dispatch: unknown campaign")

type campaignState struct {
	mu       sync.Mutex
	campaign model.Campaign

	stop atomic.Bool
	done chan struct{}
}

func (s *campaignState) stopped() bool { return s.stop.Load() }

func (s *campaignState) snapshot() model.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.campaign
}

func (s *campaignState) update(fn func(*model.Campaign)) {
	s.mu.Lock()
	fn(&s.campaign)
	s.campaign.LastUpdate = time.Now()
	s.mu.Unlock()
}

// CampaignRegistry tracks long-running auto-assign campaigns and supports
// cooperative cancellation. Terminal campaigns stay in the registry for
// later polling until explicitly cleared.
type CampaignRegistry struct {
	matcher *Matcher
	orders  store.OrderStore
	params  *params.Resolver
	bus     eventbus.EventBus
	log     logger.Logger

	mu        sync.Mutex
	campaigns map[string]*campaignState
	wg        sync.WaitGroup
}

// NewCampaignRegistry creates a registry. bus may be nil.
func NewCampaignRegistry(matcher *Matcher, orders store.OrderStore, resolver *params.Resolver, bus eventbus.EventBus, log logger.Logger) (*CampaignRegistry, error) {
	if matcher == nil || orders == nil || resolver == nil {
		return nil, fmt.Errorf("dispatch: nil parameter provided to NewCampaignRegistry")
	}
	return &CampaignRegistry{
		matcher:   matcher,
		orders:    orders,
		params:    resolver,
		bus:       bus,
		log:       log,
		campaigns: make(map[string]*campaignState),
	}, nil
}

// Start launches a campaign assigning up to batchSize pending orders per
// round, optionally filtered by city, and returns the campaign id.
func (r *CampaignRegistry) Start(ctx context.Context, batchSize int, city string) (string, error) {
	if batchSize <= 0 {
		return "", fmt.Errorf("dispatch: batch size must be positive")
	}
	sp, err := r.params.Defaults()
	if err != nil {
		return "", err
	}
	target, err := r.orders.PendingCount(ctx, city)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := time.Now()
	st := &campaignState{
		campaign: model.Campaign{
			ID:          id,
			City:        city,
			Status:      model.CampaignRunning,
			TotalTarget: target,
			StartedAt:   now,
			LastUpdate:  now,
		},
		done: make(chan struct{}),
	}
	r.mu.Lock()
	r.campaigns[id] = st
	r.mu.Unlock()
	campaignsRunning.Inc()

	r.publish(events.CampaignEvent{CampaignID: id, Action: "started", Campaign: st.snapshot(), Time: now})
	r.log.Infof("campaign %s started (batch %d, city %q, target %d)", id, batchSize, city, target)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(st, batchSize, city, sp)
	}()
	return id, nil
}

func (r *CampaignRegistry) run(st *campaignState, batchSize int, city string, sp params.SimParams) {
	ctx := context.Background()
	reason := model.ReasonExhausted
	defer func() {
		st.update(func(c *model.Campaign) {
			c.Status = model.CampaignCompleted
			if c.Reason == "" {
				c.Reason = reason
			}
		})
		campaignsRunning.Dec()
		final := st.snapshot()
		r.publish(events.CampaignEvent{CampaignID: final.ID, Action: "completed", Campaign: final, Time: time.Now()})
		r.log.Infof("campaign %s completed (%s): %d ok, %d failed of %d", final.ID, final.Reason, final.Successful, final.Failed, final.TotalTarget)
		close(st.done)
	}()

	for {
		if st.stopped() {
			reason = model.ReasonStopped
			return
		}
		pending, err := r.orders.PendingOrders(ctx, city, batchSize)
		if err != nil {
			r.log.Errorf("campaign %s: pending query: %v", st.snapshot().ID, err)
			reason = model.ReasonError
			return
		}
		if len(pending) == 0 {
			return
		}
		ids := make([]string, len(pending))
		for i, o := range pending {
			ids[i] = o.ID
		}
		res := r.matcher.AssignBatch(ctx, ids, st.stopped)
		st.update(func(c *model.Campaign) {
			c.Successful += len(res.Successful)
			c.Failed += len(res.Failed)
			c.Processed += len(res.Successful) + len(res.Failed)
		})
		r.publish(events.CampaignEvent{CampaignID: st.snapshot().ID, Action: "progress", Campaign: st.snapshot(), Time: time.Now()})

		// a full round without a single success would just re-fetch the
		// same unassignable orders forever
		if len(res.Successful) == 0 {
			reason = model.ReasonNoProgress
			return
		}
		time.Sleep(sp.CampaignSleep)
	}
}

// Stop sets the cooperative stop flag. It is idempotent; stopping an already
// completed campaign is a no-op.
func (r *CampaignRegistry) Stop(id string) error {
	st, ok := r.state(id)
	if !ok {
		return ErrUnknownCampaign
	}
	st.stop.Store(true)
	return nil
}

// Status returns the campaign's current counters. A running campaign whose
// counters have not moved within the staleness window is force-completed so
// a crashed loop never leaves an orphaned Running state.
func (r *CampaignRegistry) Status(id string) (model.Campaign, error) {
	st, ok := r.state(id)
	if !ok {
		return model.Campaign{}, ErrUnknownCampaign
	}
	c := st.snapshot()
	if c.Status == model.CampaignRunning {
		sp, err := r.params.Defaults()
		if err == nil && sp.CampaignStaleAfter > 0 && time.Since(c.LastUpdate) > sp.CampaignStaleAfter {
			st.stop.Store(true)
			st.update(func(c *model.Campaign) {
				c.Status = model.CampaignCompleted
				c.Reason = model.ReasonStale
			})
			r.log.Warnf("campaign %s force-completed after %s without progress", id, sp.CampaignStaleAfter)
			c = st.snapshot()
		}
	}
	return c, nil
}

// Clear removes a terminal campaign from the registry.
func (r *CampaignRegistry) Clear(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.campaigns[id]
	if !ok {
		return ErrUnknownCampaign
	}
	if st.snapshot().Status != model.CampaignCompleted {
		return fmt.Errorf("dispatch: campaign %s still running", id)
	}
	delete(r.campaigns, id)
	return nil
}

// Wait blocks until the campaign loop has exited. Intended for tests and
// shutdown.
func (r *CampaignRegistry) Wait(id string) {
	if st, ok := r.state(id); ok {
		<-st.done
	}
}

// Close stops all campaigns and waits for their loops to exit.
func (r *CampaignRegistry) Close() error {
	r.mu.Lock()
	for _, st := range r.campaigns {
		st.stop.Store(true)
	}
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}

func (r *CampaignRegistry) state(id string) (*campaignState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.campaigns[id]
	return st, ok
}

func (r *CampaignRegistry) publish(ev eventbus.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}
