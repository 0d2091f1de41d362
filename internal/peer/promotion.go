package peer

import (
	"context"
	"net/http"
	"time"

	"github.com/replicafed/replicafed/internal/family"
	"github.com/replicafed/replicafed/internal/wire"
)

// promote runs the primary takeover sequence. It is safe to
// call concurrently or repeatedly: the role check under lock at the top
// makes it idempotent, satisfying the "duplicate become_primary"
// property. Only endpoint startup happens synchronously, so the
// initiator's become_primary call is acknowledged as soon as the new
// primary is reachable; the pool request, membership rewrite, and
// history replay finish in the background under the peer's own
// context, never the initiating request's.
func (p *Peer) promote(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.role == RolePrimary {
		p.mu.Unlock()
		return p.cfg.PrimaryAddr, nil
	}
	oldPrimary := p.primary
	familyID := p.familyID
	backups := append([]family.Member(nil), p.backups...)
	p.role = RolePrimary
	p.mu.Unlock()

	// Step 1: start the primary endpoint and suspend the backup
	// election watchdog.
	if p.backupCancel != nil {
		p.backupCancel()
	}
	if err := p.startPrimaryEndpoint(); err != nil {
		p.logger.Error("failed to start primary endpoint", map[string]interface{}{"error": err.Error()})
		return "", err
	}

	go p.completeTakeover(familyID, oldPrimary, backups)

	return p.cfg.PrimaryAddr, nil
}

// completeTakeover runs the rest of the takeover sequence after the
// primary endpoint is up.
func (p *Peer) completeTakeover(familyID int, oldPrimary family.Member, backups []family.Member) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	op := p.status.StartPromotion(familyID, p.cfg.PrimaryAddr)
	defer func() { _ = p.status.CompleteOperation(op.ID) }()

	// Step 2: this peer's own externally-reachable address.
	self := p.cfg.PrimaryAddr

	// Remove self's backup address from the candidate set; the promoted
	// peer is no longer a backup.
	newBackups := removeMember(backups, p.cfg.BackupAddr)

	// Step 3: request a fresh pool peer. Proceed whether or not one is
	// obtained.
	newPeer, obtained := p.requestPoolPeer(ctx)

	// Step 4: rewrite the backup list.
	if obtained {
		newBackups = append(newBackups, newPeer)
	}

	// Step 5: register and replay history to the new peer, if any.
	if obtained {
		if err := p.registerPeerAndReplay(ctx, newPeer, familyID, self, newBackups); err != nil {
			p.logger.Warn("failed to onboard new pool peer during promotion", map[string]interface{}{
				"peer":  newPeer,
				"error": err.Error(),
			})
		}
	}

	// Steps 6-7: broadcast the new backup list and the new primary
	// address to every remaining backup.
	for _, b := range newBackups {
		if b == newPeer {
			continue // already registered with the full membership in step 5
		}
		_ = p.client.Post(ctx, b, wire.PathBackupUpdateList, wire.UpdateBackupListRequest{Backups: newBackups}, nil)
		_ = p.client.Post(ctx, b, wire.PathBackupUpdateAddr, wire.UpdatePrimaryAddressRequest{Primary: self}, nil)
	}

	// Step 8: notify the router.
	if err := p.client.Post(ctx, p.cfg.RouterAddr, wire.PathFamilyUpdatePrimary, wire.UpdatePrimaryRequest{Old: oldPrimary, New: self}, nil); err != nil {
		p.logger.Warn("failed to notify router of new primary", map[string]interface{}{"error": err.Error()})
	}
	p.reportBackupsToRouter(ctx, self, newBackups)

	p.mu.Lock()
	p.primary = self
	p.backups = newBackups
	p.mu.Unlock()
	_ = p.saveMembership(family.Membership{FamilyID: familyID, Primary: self, Backups: newBackups})

	// Step 9: trigger an election among the remaining backups. Its
	// necessity is an open question: heartbeats now originate from this
	// new primary, so a second leader designation looks redundant, but
	// the behavior is preserved rather than removed.
	go p.electLeaderAmong(context.Background(), newBackups)

	// Step 10: terminate the backup-role process; the primary endpoint
	// continues independently.
	go p.stopBackupServer()

	p.metrics.RecordPromotion()
	p.logger.Info("completed promotion to primary", map[string]interface{}{
		"family_id": familyID,
		"self":      self,
		"backups":   newBackups,
	})

	go p.primaryDaemons(context.Background())
}

// promoteAsInitial makes this peer a brand-new family's first primary at
// allocation time. Unlike the takeover sequence there is no old
// primary to replace, no history to replay, and no pool peer to request:
// the router has just registered the full membership itself. Idempotent
// like promote.
func (p *Peer) promoteAsInitial(m family.Membership) error {
	p.mu.Lock()
	if p.role == RolePrimary {
		p.mu.Unlock()
		return nil
	}
	p.role = RolePrimary
	p.familyID = m.FamilyID
	p.primary = p.cfg.PrimaryAddr
	p.backups = removeMember(m.Backups, p.cfg.BackupAddr)
	p.mu.Unlock()

	if p.backupCancel != nil {
		p.backupCancel()
	}
	if err := p.startPrimaryEndpoint(); err != nil {
		return err
	}
	_ = p.saveMembership(p.Membership())

	go p.stopBackupServer()
	go p.primaryDaemons(context.Background())

	p.metrics.RecordPromotion()
	p.logger.Info("designated initial primary for new family", map[string]interface{}{
		"family_id": m.FamilyID,
		"self":      p.cfg.PrimaryAddr,
		"backups":   p.Membership().Backups,
	})
	return nil
}

// startPrimaryEndpoint brings up the primary endpoint HTTP server.
func (p *Peer) startPrimaryEndpoint() error {
	rt := wire.NewRouter(p.logger, nil)
	p.registerPrimaryRoutes(rt)
	p.primaryServer = &http.Server{Addr: p.cfg.PrimaryAddr, Handler: rt.Mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := p.primaryServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

// stopBackupServer shuts down the backup-role HTTP server after a short
// grace period so in-flight acknowledgements (the become_primary
// response itself, any last heartbeats) have time to leave.
func (p *Peer) stopBackupServer() {
	time.Sleep(200 * time.Millisecond)
	if p.backupServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.backupServer.Shutdown(ctx)
	}
}

// requestPoolPeer asks the router for a fresh idle peer.
func (p *Peer) requestPoolPeer(ctx context.Context) (family.Member, bool) {
	var resp wire.PoolPeerResponse
	if err := p.client.Post(ctx, p.cfg.RouterAddr, wire.PathPoolRequest, nil, &resp); err != nil {
		return "", false
	}
	if !resp.Available || resp.Address == "" {
		return "", false
	}
	return resp.Address, true
}

// registerPeerAndReplay registers a freshly obtained pool peer into the
// family and replays the full history to it in order.
func (p *Peer) registerPeerAndReplay(ctx context.Context, addr family.Member, familyID int, primary family.Member, backups []family.Member) error {
	req := wire.RegisterFamilyRequest{FamilyID: familyID, Primary: primary, Backups: backups}
	if err := p.client.Post(ctx, addr, wire.PathFamilyRegister, req, nil); err != nil {
		return err
	}
	return p.replayHistoryTo(ctx, addr)
}

// replayHistoryTo iterates a snapshot of the history log and re-applies
// each record to addr's backup endpoint in order, tracking progress so
// the status surface can answer how far along an onboarding is.
func (p *Peer) replayHistoryTo(ctx context.Context, addr family.Member) error {
	records := p.history.Records()
	op := p.status.StartReplay(addr, len(records))
	for i, rec := range records {
		path := pathForVerb(rec.Verb)
		req := wire.OpRequest{Path: rec.Arg1, Arg2: rec.Arg2, Data: rec.Data, Origin: p.cfg.PrimaryAddr}
		if err := p.client.Post(ctx, addr, path, req, nil); err != nil {
			_ = p.status.FailOperation(op.ID, err)
			return err
		}
		_ = p.status.UpdateProgress(op.ID, int64(i+1), int64(len(records)), "records")
	}
	_ = p.status.CompleteOperation(op.ID)
	return nil
}

func pathForVerb(v family.Verb) string {
	switch v {
	case family.Write:
		return wire.PathWrite
	case family.Delete:
		return wire.PathDelete
	case family.Copy:
		return wire.PathCopy
	case family.Rename:
		return wire.PathRename
	default:
		return wire.PathWrite
	}
}

func removeMember(members []family.Member, target family.Member) []family.Member {
	out := make([]family.Member, 0, len(members))
	for _, m := range members {
		if m != target {
			out = append(out, m)
		}
	}
	return out
}
