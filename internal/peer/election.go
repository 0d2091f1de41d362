package peer

import (
	"context"
	"time"

	"github.com/replicafed/replicafed/internal/family"
	"github.com/replicafed/replicafed/internal/wire"
	"github.com/replicafed/replicafed/pkg/errors"
)

// electionWatchdogLoop is the backup-only election watchdog.
// Every T_CHECK it compares now - last_primary_contact to T_TIMEOUT and,
// if exceeded, initiates an election.
func (p *Peer) electionWatchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.TCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.Role() != RoleBackup {
				return
			}
			if time.Since(p.LastPrimaryContact()) > p.cfg.TTimeout {
				p.initiateElection(ctx)
			}
		}
	}
}

// initiateElection walks the family's current {primary} ∪ backups in
// deterministic descending order and calls become_primary on each
// until one acknowledges. If every candidate is unreachable it returns
// without acting; the next watchdog tick retries.
func (p *Peer) initiateElection(ctx context.Context) {
	m := p.Membership()
	candidates := family.SortDescending(m.Candidates())

	op := p.status.StartElection(m.FamilyID, p.cfg.BackupAddr)
	winner, ok := p.callBecomePrimaryOnFirstReachable(ctx, candidates)
	if !ok {
		p.logger.Warn("election found no reachable candidate", map[string]interface{}{
			"family_id": m.FamilyID,
		})
		p.metrics.RecordElection("no_candidate")
		p.health.RecordError("peer.election", nil)
		_ = p.status.FailOperation(op.ID, errors.Unreachable("election", "all candidates"))
		return
	}

	_ = p.status.CompleteOperation(op.ID)
	p.metrics.RecordElection("won")
	p.logger.Info("election resolved", map[string]interface{}{
		"family_id": m.FamilyID,
		"winner":    winner,
	})
	p.health.RecordSuccess("peer.election")
	// The initiator resets last_primary_contact and returns; the newly
	// elected primary's own heartbeats will keep refreshing it from here
	// on, or the watchdog fires again if it too is dead.
	p.touchPrimaryContact()
}

// callBecomePrimaryOnFirstReachable walks candidates in order and returns
// the address of the first one to acknowledge become_primary. A
// candidate equal to this peer's own backup address is promoted locally
// rather than over the network.
func (p *Peer) callBecomePrimaryOnFirstReachable(ctx context.Context, candidates []family.Member) (family.Member, bool) {
	for _, addr := range candidates {
		if addr == p.cfg.BackupAddr {
			if _, err := p.promote(ctx); err == nil {
				return addr, true
			}
			continue
		}
		var resp wire.BecomePrimaryResponse
		if err := p.client.Post(ctx, addr, wire.PathPrimaryBecome, nil, &resp); err == nil {
			return addr, true
		}
	}
	return "", false
}

// electLeaderAmong is the election among remaining backups the
// promoting peer triggers once it has become primary. Its necessity is
// an open question (DESIGN.md): heartbeats originate from the new
// primary, so a second election appears redundant, but the behavior is
// preserved rather than removed.
func (p *Peer) electLeaderAmong(ctx context.Context, candidates []family.Member) {
	if len(candidates) == 0 {
		return
	}
	ordered := family.SortDescending(candidates)
	for _, addr := range ordered {
		var resp wire.BecomePrimaryResponse
		if err := p.client.Post(ctx, addr, wire.PathPrimaryBecome, nil, &resp); err == nil {
			p.metrics.RecordElection("redundant_step9")
			p.logger.Debug("post-promotion election among remaining backups resolved", map[string]interface{}{
				"winner": addr,
			})
			return
		}
	}
	p.metrics.RecordElection("redundant_step9_no_candidate")
}

// HandleBecomePrimary serves the become_primary endpoint. It is
// idempotent: a peer that is already primary returns success without
// side effect.
func (p *Peer) HandleBecomePrimary(ctx context.Context) (string, error) {
	if p.Role() == RolePrimary {
		return p.cfg.PrimaryAddr, nil
	}
	return p.promote(ctx)
}
