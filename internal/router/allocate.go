package router

import (
	"context"
	"time"

	"github.com/replicafed/replicafed/internal/family"
	"github.com/replicafed/replicafed/internal/wire"
	"github.com/replicafed/replicafed/pkg/errors"
)

// beginAllocation reserves a retry token and kicks off asynchronous
// provisioning of a new family. If an
// allocation is already pending its token is reused rather than growing
// the cluster once per client retry.
func (rt *Router) beginAllocation() int {
	rt.tableMu.Lock()
	for _, a := range rt.allocations {
		if a.state == allocPending {
			token := a.token
			rt.tableMu.Unlock()
			return token
		}
	}
	// The token is the prospective family_id.
	token := rt.nextID
	rt.nextID++
	op := rt.status.StartAllocation(token)
	rt.allocations[token] = &allocation{token: token, state: allocPending, opID: op.ID}
	rt.tableMu.Unlock()

	go rt.allocateFamily(token)
	return token
}

// resolveToken answers a client retry carrying ?token=<n>.
func (rt *Router) resolveToken(token int) (primary string, pending bool, err error) {
	rt.tableMu.Lock()
	defer rt.tableMu.Unlock()
	a, ok := rt.allocations[token]
	if !ok {
		return "", false, errors.NotRoutable("route", "").WithDetail("token", token)
	}
	switch a.state {
	case allocPending:
		return "", true, nil
	case allocReady:
		return a.primary, false, nil
	default:
		return "", false, errors.NotRoutable("route", "").WithDetail("token", token)
	}
}

// allocateFamily runs the provisioning sequence under the
// global family-creation lock: pull R reachable peers from the pool,
// choose the initial primary by the deterministic ordering rule,
// register every peer with the full membership, and publish the new
// primary into F and the allocation table.
func (rt *Router) allocateFamily(token int) {
	rt.allocMu.Lock()
	defer rt.allocMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r := rt.replicationFactor()
	peers := make([]PoolPeer, 0, r)
	for len(peers) < r {
		peer, ok := rt.pool.TakeOneReachable(ctx)
		if !ok {
			break
		}
		peers = append(peers, peer)
	}
	rt.metrics.SetPoolSize(rt.pool.Len())

	if len(peers) == 0 {
		rt.failAllocation(token, errors.PoolExhausted("allocate_family"))
		return
	}
	if len(peers) < r {
		rt.logger.Warn("allocating family below replication factor", map[string]interface{}{
			"family_id": token,
			"wanted":    r,
			"got":       len(peers),
		})
	}

	byBackup := make(map[string]PoolPeer, len(peers))
	addrs := make([]string, 0, len(peers))
	for _, p := range peers {
		byBackup[p.BackupAddr] = p
		addrs = append(addrs, p.BackupAddr)
	}
	ordered := family.SortDescending(addrs)

	// Walk candidates in rank order until one accepts the initial-
	// primary registration; the same walk-the-order shape as election
	//, so a dead head does not strand the allocation.
	var primary PoolPeer
	var backups []string
	registered := false
	for i, cand := range ordered {
		chosen := byBackup[cand]
		rest := make([]string, 0, len(ordered)-1)
		rest = append(rest, ordered[:i]...)
		rest = append(rest, ordered[i+1:]...)
		req := wire.RegisterFamilyRequest{FamilyID: token, Primary: chosen.PrimaryAddr, Backups: rest}
		if err := rt.client.Post(ctx, cand, wire.PathFamilyRegister, req, nil); err != nil {
			rt.logger.Warn("initial primary candidate rejected registration", map[string]interface{}{
				"family_id": token,
				"candidate": cand,
				"error":     err.Error(),
			})
			continue
		}
		primary = chosen
		backups = rest
		registered = true
		break
	}
	if !registered {
		rt.failAllocation(token, errors.NotRoutable("allocate_family", "").
			WithDetail("reason", "no pulled peer accepted initial primary registration"))
		return
	}

	for _, b := range backups {
		req := wire.RegisterFamilyRequest{FamilyID: token, Primary: primary.PrimaryAddr, Backups: backups}
		if err := rt.client.Post(ctx, b, wire.PathFamilyRegister, req, nil); err != nil {
			rt.logger.Warn("failed to register backup into new family", map[string]interface{}{
				"family_id": token,
				"backup":    b,
				"error":     err.Error(),
			})
		}
	}

	rt.addFamily(&familyRecord{ID: token, Primary: primary.PrimaryAddr, Backups: backups})

	rt.tableMu.Lock()
	if a, ok := rt.allocations[token]; ok {
		a.state = allocReady
		a.primary = primary.PrimaryAddr
		_ = rt.status.CompleteOperation(a.opID)
	}
	rt.tableMu.Unlock()

	rt.metrics.RecordAllocation("ok")
	rt.health.RecordSuccess("router.allocation")
	rt.logger.Info("allocated new family", map[string]interface{}{
		"family_id": token,
		"primary":   primary.PrimaryAddr,
		"backups":   backups,
	})
	_ = rt.saveState()
}

// failAllocation marks the token failed and, when the token is still the
// newest id handed out, releases it so family ids stay gapless across
// crashed allocations.
func (rt *Router) failAllocation(token int, cause *errors.FedError) {
	rt.tableMu.Lock()
	if a, ok := rt.allocations[token]; ok {
		a.state = allocFailed
		_ = rt.status.FailOperation(a.opID, cause)
	}
	if rt.nextID == token+1 {
		rt.nextID = token
	}
	rt.tableMu.Unlock()

	rt.metrics.RecordAllocation("failed")
	rt.health.RecordError("router.allocation", cause)
	rt.logger.Error("family allocation failed", map[string]interface{}{
		"family_id": token,
		"error":     cause.Error(),
	})
}
