package peer

import (
	"context"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/replicafed/replicafed/internal/family"
	"github.com/replicafed/replicafed/internal/wire"
	"github.com/replicafed/replicafed/pkg/errors"
)

// primaryDaemons starts the two background loops a primary runs for as
// long as it holds the role: the heartbeat fan-out and the
// backup health probe. Both exit on ctx cancellation or the
// moment the role changes away from PRIMARY.
func (p *Peer) primaryDaemons(ctx context.Context) {
	go p.heartbeatLoop(ctx)
	go p.backupHealthLoop(ctx)
}

// heartbeatLoop pings every backup every T_PING with the primary's own
// address so each backup can refresh last_primary_contact. A
// backup that rejects the heartbeat (it recognizes a different primary)
// counts toward this peer's split-brain self-termination threshold.
func (p *Peer) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.TPing)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.Role() != RolePrimary {
				return
			}
			p.sendHeartbeats(ctx)
		}
	}
}

func (p *Peer) sendHeartbeats(ctx context.Context) {
	m := p.Membership()
	rejected := false
	for _, b := range m.Backups {
		err := p.client.Post(ctx, b, wire.PathBackupHeartbeat, wire.HeartbeatRequest{Primary: m.Primary}, nil)
		if err != nil && errors.Is(err, errors.ErrCodeConflict) {
			rejected = true
		}
	}
	if rejected {
		p.noteRejection()
	} else {
		atomic.StoreInt32(&p.consecutiveRejections, 0)
	}
}

// noteRejection increments the split-brain counter and, once it crosses
// SplitBrainThreshold, demotes this peer out of the primary role rather
// than retrying forever against backups that have moved on to a newer
// primary.
func (p *Peer) noteRejection() {
	n := atomic.AddInt32(&p.consecutiveRejections, 1)
	if int(n) < p.cfg.SplitBrainThreshold {
		return
	}
	p.logger.Warn("stale primary detected, self-terminating", map[string]interface{}{
		"consecutive_rejections": n,
	})
	p.health.MarkUnavailable("peer", errors.Conflict("split_brain", "stale primary self-terminated"))
	if p.primaryServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.primaryServer.Shutdown(ctx)
	}
	p.mu.Lock()
	p.role = RolePooled
	p.mu.Unlock()
}

// backupHealthLoop probes every backup every T_CHECK and replaces any
// that fail to answer with a fresh pool peer.
func (p *Peer) backupHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.TCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.Role() != RolePrimary {
				return
			}
			p.checkAndReplaceBackups(ctx)
		}
	}
}

func (p *Peer) checkAndReplaceBackups(ctx context.Context) {
	m := p.Membership()
	var dead []family.Member
	for _, b := range m.Backups {
		addr := b
		err := p.breaker.GetBreaker(addr).Execute(func() error {
			return p.client.Get(ctx, addr, wire.PathProbe)
		})
		if err != nil {
			dead = append(dead, b)
		}
	}
	if len(dead) == 0 {
		return
	}

	live := make([]family.Member, 0, len(m.Backups))
	for _, b := range m.Backups {
		isDead := false
		for _, d := range dead {
			if b == d {
				isDead = true
				break
			}
		}
		if !isDead {
			live = append(live, b)
		}
	}

	for _, d := range dead {
		p.breaker.RemoveBreaker(d)
	}

	// With survivors remaining, each dead backup is replaced
	// one-for-one. With zero live backups the family is reseeded with
	// exactly one pool peer, not a full refill: the seed carries the
	// replicated state forward and is itself a promotion candidate
	// should this primary fail too.
	wanted := len(dead)
	if len(live) == 0 {
		wanted = 1
	}

	for i := 0; i < wanted; i++ {
		peer, ok := p.requestPoolPeer(ctx)
		if !ok {
			p.logger.Warn("no replacement pool peer available for dead backup", nil)
			continue
		}
		if err := p.registerPeerAndReplay(ctx, peer, m.FamilyID, m.Primary, append(append([]family.Member(nil), live...), peer)); err != nil {
			p.logger.Warn("failed to onboard replacement backup", map[string]interface{}{
				"peer":  peer,
				"error": err.Error(),
			})
			continue
		}
		live = append(live, peer)
	}

	if len(live) == 0 {
		// All backups dead and no replacement obtained: the
		// primary continues serving alone, degraded, rather than
		// refusing writes it can still durably accept locally.
		p.health.RecordError("peer.replication", errors.Conflict("no_backups", "family has no live backups"))
		p.logger.Warn("all backups dead, continuing unreplicated", map[string]interface{}{"family_id": m.FamilyID})
	} else {
		p.health.RecordSuccess("peer.replication")
	}

	p.mu.Lock()
	p.backups = live
	p.mu.Unlock()
	_ = p.saveMembership(family.Membership{FamilyID: m.FamilyID, Primary: m.Primary, Backups: live})

	for _, b := range live {
		_ = p.client.Post(ctx, b, wire.PathBackupUpdateList, wire.UpdateBackupListRequest{Backups: live}, nil)
	}
	p.reportBackupsToRouter(ctx, m.Primary, live)
}

// reportBackupsToRouter keeps the router's stored backup list for this
// family current; the router derives R for new families from it.
func (p *Peer) reportBackupsToRouter(ctx context.Context, primary family.Member, backups []family.Member) {
	path := wire.PathBackupUpdateList + "?primary=" + url.QueryEscape(primary)
	if err := p.client.Post(ctx, p.cfg.RouterAddr, path, wire.UpdateBackupListRequest{Backups: backups}, nil); err != nil {
		p.logger.Debug("failed to report backup list to router", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// applyAndReplicate is the primary's accept path for a mutating
// operation: apply locally first, append to history, then fan
// out to every backup. A backup replication failure is logged but never
// fails the client's call back; durability for this operation already
// rests on local apply plus whatever backups did acknowledge.
func (p *Peer) applyAndReplicate(ctx context.Context, verb family.Verb, arg1, arg2 string, data []byte) error {
	start := time.Now()
	if err := p.store.Apply(string(verb), arg1, arg2, data); err != nil {
		p.metrics.RecordReplication("local_apply_failed", time.Since(start))
		return err
	}
	p.history.Append(family.OperationRecord{Verb: verb, Arg1: arg1, Arg2: arg2, Data: data})

	m := p.Membership()
	req := wire.OpRequest{Path: arg1, Arg2: arg2, Data: data, Origin: m.Primary}
	path := pathForVerb(verb)

	ok := 0
	for _, b := range m.Backups {
		addr := b
		err := p.breaker.GetBreaker(addr).Execute(func() error {
			return p.client.Post(ctx, addr, path, req, nil)
		})
		if err != nil {
			if errors.Is(err, errors.ErrCodeConflict) {
				p.noteRejection()
			}
			p.logger.Warn("replication to backup failed", map[string]interface{}{
				"backup": b,
				"error":  err.Error(),
			})
			p.metrics.RecordReplication("backup_failed", time.Since(start))
			continue
		}
		ok++
	}

	p.metrics.RecordReplication("accepted", time.Since(start))
	p.health.RecordSuccess("peer.replication")
	return nil
}
