// Package router implements the front-facing router / pool allocator:
// the ordered pool of idle peers, the family map F of live primaries,
// the in-flight allocation table A, the routability-verdict dispatcher,
// and new-family allocation under a global lock. All state is owned by
// the Router object; P, F, and the family-creation sequence each get
// dedicated mutual exclusion, and only the family-creation lock is
// ever held across outbound requests.
package router

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/replicafed/replicafed/internal/metrics"
	"github.com/replicafed/replicafed/internal/wire"
	"github.com/replicafed/replicafed/pkg/errors"
	"github.com/replicafed/replicafed/pkg/health"
	"github.com/replicafed/replicafed/pkg/status"
	"github.com/replicafed/replicafed/pkg/utils"
)

// familyRecord is the router's view of one family: the live primary
// address in F plus the last known backup list, persisted so a restarted
// router can still derive R for the next allocation.
type familyRecord struct {
	ID      int      `json:"id"`
	Primary string   `json:"primary"`
	Backups []string `json:"backups"`
}

type allocState int

const (
	allocPending allocState = iota
	allocReady
	allocFailed
)

// allocation is one entry of the in-flight table A: the retry
// token handed to the client, resolving to the new family's primary once
// provisioning completes.
type allocation struct {
	token   int
	state   allocState
	primary string
	opID    string
}

// Router is the central routing and pool allocation service.
type Router struct {
	cfg     Config
	logger  *utils.StructuredLogger
	metrics *metrics.Collector
	health  *health.Tracker
	status  *status.Tracker
	client  *wire.Client
	pool    *Pool

	famMu    sync.RWMutex
	families map[int]*familyRecord

	// allocMu is the family-creation lock; it serializes the
	// provisioning sequence and is the only lock held across outbound
	// requests. tableMu guards the id counter and table A so the retry
	// path never blocks behind an allocation in flight.
	allocMu     sync.Mutex
	tableMu     sync.Mutex
	nextID      int
	allocations map[int]*allocation

	server *http.Server
}

// New constructs a Router, restoring persisted pool and family state
// from cfg.DataDir and then overlaying the configured pool inventory.
func New(cfg Config, logger *utils.StructuredLogger, coll *metrics.Collector, healthTracker *health.Tracker, statusTracker *status.Tracker) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt := &Router{
		cfg:         cfg,
		logger:      logger.WithComponent("router"),
		metrics:     coll,
		health:      healthTracker,
		status:      statusTracker,
		client:      wire.NewClient(cfg.NetworkTimeout),
		families:    make(map[int]*familyRecord),
		allocations: make(map[int]*allocation),
		nextID:      1,
	}
	rt.health.RegisterComponent("router")
	rt.health.RegisterComponent("router.pool")
	rt.health.RegisterComponent("router.allocation")

	st, err := rt.loadState()
	if err != nil {
		return nil, err
	}
	rt.pool = NewPool(st.Pool, wire.NewClient(cfg.ProbeTimeout), rt.logger)
	rt.pool.Add(cfg.Pool)
	for _, f := range st.Families {
		rt.families[f.ID] = f
		if f.ID >= rt.nextID {
			rt.nextID = f.ID + 1
		}
	}
	if st.NextID > rt.nextID {
		rt.nextID = st.NextID
	}
	rt.metrics.SetPoolSize(rt.pool.Len())
	rt.metrics.SetFamilyCount(len(rt.families))
	return rt, nil
}

// Start brings up the router's HTTP endpoint.
func (rt *Router) Start(ctx context.Context) error {
	mux := wire.NewRouter(rt.logger, nil)
	rt.registerRoutes(mux)
	rt.server = &http.Server{Addr: rt.cfg.ListenAddr, Handler: mux.Mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := rt.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

// Stop shuts the HTTP endpoint down and persists state.
func (rt *Router) Stop(ctx context.Context) error {
	if rt.server != nil {
		_ = rt.server.Shutdown(ctx)
	}
	return rt.saveState()
}

// Families returns a snapshot of the family map in ascending id order,
// the order the dispatcher collects verdicts in.
func (rt *Router) Families() []familyRecord {
	rt.famMu.RLock()
	defer rt.famMu.RUnlock()
	out := make([]familyRecord, 0, len(rt.families))
	for _, f := range rt.families {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdatePrimary replaces old with next in F,
// failing with Conflict if old is not any family's current primary.
func (rt *Router) UpdatePrimary(old, next string) error {
	rt.famMu.Lock()
	defer rt.famMu.Unlock()
	for _, f := range rt.families {
		if f.Primary == old {
			f.Primary = next
			rt.logger.Info("family primary updated", map[string]interface{}{
				"family_id": f.ID,
				"old":       old,
				"new":       next,
			})
			go func() { _ = rt.saveState() }()
			return nil
		}
	}
	return errors.Conflict("update_primary", "no family has that primary").WithDetail("old", old)
}

// RecordBackups refreshes the router's stored backup list for the family
// whose primary sent it, keeping the persisted R derivation current.
func (rt *Router) RecordBackups(primary string, backups []string) {
	rt.famMu.Lock()
	defer rt.famMu.Unlock()
	for _, f := range rt.families {
		if f.Primary == primary {
			f.Backups = append([]string(nil), backups...)
			go func() { _ = rt.saveState() }()
			return
		}
	}
}

// replicationFactor derives R from an existing family's recorded size,
// falling back to the configured value when no family exists yet.
func (rt *Router) replicationFactor() int {
	rt.famMu.RLock()
	defer rt.famMu.RUnlock()
	ids := make([]int, 0, len(rt.families))
	for id := range rt.families {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		f := rt.families[id]
		if len(f.Backups) > 0 {
			return len(f.Backups) + 1
		}
	}
	return rt.cfg.ReplicationFactor
}

// RequestPoolPeer serves request_pool_peer: pop heads until one
// answers the liveness probe, or report the pool empty.
func (rt *Router) RequestPoolPeer(ctx context.Context) (string, bool) {
	peer, ok := rt.pool.TakeOneReachable(ctx)
	rt.metrics.SetPoolSize(rt.pool.Len())
	if !ok {
		rt.health.RecordError("router.pool", errors.PoolExhausted("request_pool_peer"))
		return "", false
	}
	rt.health.RecordSuccess("router.pool")
	go func() { _ = rt.saveState() }()
	return peer.BackupAddr, true
}

// addFamily records a freshly allocated family in F.
func (rt *Router) addFamily(f *familyRecord) {
	rt.famMu.Lock()
	rt.families[f.ID] = f
	n := len(rt.families)
	rt.famMu.Unlock()
	rt.metrics.SetFamilyCount(n)
}
