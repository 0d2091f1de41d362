package peer

import (
	"net/http"

	"github.com/replicafed/replicafed/internal/family"
	"github.com/replicafed/replicafed/internal/wire"
	"github.com/replicafed/replicafed/pkg/errors"
)

// registerBackupRoutes wires the endpoints a peer serves while POOLED or
// BACKUP: family registration/awaken, membership rewrites,
// heartbeat receipt, become_primary, and the mutating verbs as
// replication-fan-out receivers. The backup server always runs; these
// handlers simply no-op or reject when not in the relevant role.
func (p *Peer) registerBackupRoutes(rt *wire.Router) {
	rt.Handle(wire.PathFamilyRegister, func(w http.ResponseWriter, r *http.Request) error {
		var req wire.RegisterFamilyRequest
		if err := wire.DecodeJSON(r, &req); err != nil {
			return err
		}
		m := family.Membership{
			FamilyID: req.FamilyID,
			Primary:  req.Primary,
			Backups:  req.Backups,
		}
		// A registration naming this peer's own primary endpoint as the
		// family primary is the router designating it initial primary at
		// allocation time; everything else is a backup
		// registration.
		if req.Primary == p.cfg.PrimaryAddr {
			if err := p.promoteAsInitial(m); err != nil {
				return err
			}
			return wire.WriteJSON(w, nil)
		}
		p.becomeBackup(m)
		return wire.WriteJSON(w, nil)
	})

	rt.Handle(wire.PathBackupUpdateList, func(w http.ResponseWriter, r *http.Request) error {
		var req wire.UpdateBackupListRequest
		if err := wire.DecodeJSON(r, &req); err != nil {
			return err
		}
		p.mu.Lock()
		p.backups = append([]family.Member(nil), req.Backups...)
		p.mu.Unlock()
		return wire.WriteJSON(w, nil)
	})

	rt.Handle(wire.PathBackupUpdateAddr, func(w http.ResponseWriter, r *http.Request) error {
		var req wire.UpdatePrimaryAddressRequest
		if err := wire.DecodeJSON(r, &req); err != nil {
			return err
		}
		p.mu.Lock()
		p.primary = req.Primary
		p.mu.Unlock()
		p.touchPrimaryContact()
		return wire.WriteJSON(w, nil)
	})

	rt.Handle(wire.PathBackupHeartbeat, func(w http.ResponseWriter, r *http.Request) error {
		var req wire.HeartbeatRequest
		if err := wire.DecodeJSON(r, &req); err != nil {
			return err
		}
		if p.Role() != RoleBackup {
			return errors.Conflict("backup.heartbeat", "peer is not a backup")
		}
		if req.Primary != "" && req.Primary != p.Membership().Primary {
			return errors.Conflict("backup.heartbeat", "heartbeat from unrecognized primary")
		}
		p.touchPrimaryContact()
		return wire.WriteJSON(w, nil)
	})

	rt.Handle(wire.PathPrimaryBecome, func(w http.ResponseWriter, r *http.Request) error {
		addr, err := p.HandleBecomePrimary(r.Context())
		if err != nil {
			return err
		}
		return wire.WriteJSON(w, wire.BecomePrimaryResponse{Address: addr})
	})

	rt.Handle(wire.PathProbe, func(w http.ResponseWriter, r *http.Request) error {
		return wire.WriteJSON(w, p.probeResponse())
	})

	// A pooled or backup peer is never the family's write path; any
	// routing that reaches it directly (a stale cached verdict, a
	// misrouted client) is always REFUSED.
	rt.Handle(wire.PathVerdict, func(w http.ResponseWriter, r *http.Request) error {
		return wire.WriteJSON(w, wire.VerdictResponse{Verdict: wire.Refused})
	})

	for _, ep := range []struct {
		path string
		verb family.Verb
	}{
		{wire.PathWrite, family.Write},
		{wire.PathDelete, family.Delete},
		{wire.PathCopy, family.Copy},
		{wire.PathRename, family.Rename},
	} {
		verb := ep.verb
		rt.Handle(ep.path, func(w http.ResponseWriter, r *http.Request) error {
			return p.handleReplicatedOp(w, r, verb)
		})
	}
}

// handleReplicatedOp applies a mutating operation fanned out from the
// primary to this backup, appending it to the local history so a later
// promotion can replay a complete log. Any
// origin other than the currently recognized primary is rejected, the
// mechanism behind the split-brain self-termination counter the stale
// primary maintains.
func (p *Peer) handleReplicatedOp(w http.ResponseWriter, r *http.Request, verb family.Verb) error {
	var req wire.OpRequest
	if err := wire.DecodeJSON(r, &req); err != nil {
		return err
	}
	if p.Role() != RoleBackup {
		return errors.Conflict("backup.replicate", "peer is not a backup")
	}
	if req.Origin != "" && req.Origin != p.Membership().Primary {
		return errors.Conflict("backup.replicate", "replication from unrecognized primary")
	}
	if err := p.store.Apply(string(verb), req.Path, req.Arg2, req.Data); err != nil {
		return err
	}
	p.history.Append(family.OperationRecord{Verb: verb, Arg1: req.Path, Arg2: req.Arg2, Data: req.Data})
	p.touchPrimaryContact()
	return wire.WriteJSON(w, nil)
}

// registerPrimaryRoutes wires the endpoints a peer serves once promoted
// to PRIMARY: the six client-facing verbs, verdict
// classification, and the liveness probe the router and backups use to
// detect primary death.
func (p *Peer) registerPrimaryRoutes(rt *wire.Router) {
	rt.Handle(wire.PathProbe, func(w http.ResponseWriter, r *http.Request) error {
		return wire.WriteJSON(w, p.probeResponse())
	})

	// Election walks candidates including the current primary address; a
	// peer that is already primary acknowledges without side effect
	//.
	rt.Handle(wire.PathPrimaryBecome, func(w http.ResponseWriter, r *http.Request) error {
		return wire.WriteJSON(w, wire.BecomePrimaryResponse{Address: p.cfg.PrimaryAddr})
	})

	rt.Handle(wire.PathVerdict, func(w http.ResponseWriter, r *http.Request) error {
		var req wire.VerdictRequest
		if err := wire.DecodeJSON(r, &req); err != nil {
			return err
		}
		return wire.WriteJSON(w, wire.VerdictResponse{Verdict: p.classify(family.Verb(req.Verb), req.Path)})
	})

	rt.Handle(wire.PathRead, func(w http.ResponseWriter, r *http.Request) error {
		var req wire.OpRequest
		if err := wire.DecodeJSON(r, &req); err != nil {
			return err
		}
		data, err := p.store.Read(req.Path)
		if err != nil {
			return err
		}
		return wire.WriteJSON(w, wire.OpResponse{Data: data})
	})

	rt.Handle(wire.PathExists, func(w http.ResponseWriter, r *http.Request) error {
		var req wire.OpRequest
		if err := wire.DecodeJSON(r, &req); err != nil {
			return err
		}
		return wire.WriteJSON(w, wire.OpResponse{Exists: p.store.Exists(req.Path)})
	})

	for _, ep := range []struct {
		path string
		verb family.Verb
	}{
		{wire.PathWrite, family.Write},
		{wire.PathDelete, family.Delete},
		{wire.PathCopy, family.Copy},
		{wire.PathRename, family.Rename},
	} {
		verb := ep.verb
		rt.Handle(ep.path, func(w http.ResponseWriter, r *http.Request) error {
			var req wire.OpRequest
			if err := wire.DecodeJSON(r, &req); err != nil {
				return err
			}
			if err := p.applyAndReplicate(r.Context(), verb, req.Path, req.Arg2, req.Data); err != nil {
				return err
			}
			return wire.WriteJSON(w, wire.OpResponse{})
		})
	}
}

// classify answers the verdict endpoint. PREFERRED
// when the local store already holds the path (an overwrite or read here
// never creates a file, so quota cannot be exceeded); VIABLE for the
// file-creating verbs (write, exists) when under quota and the file is
// not yet held; REFUSED otherwise.
func (p *Peer) classify(verb family.Verb, path string) wire.Verdict {
	if p.Role() != RolePrimary {
		return wire.Refused
	}
	if p.store.Exists(path) {
		return wire.Preferred
	}
	if verb != family.Write && verb != family.Exists {
		return wire.Refused
	}
	n, err := p.store.CountUserFiles()
	if err != nil {
		return wire.Refused
	}
	if n < p.capacity() {
		return wire.Viable
	}
	return wire.Refused
}

func (p *Peer) probeResponse() wire.ProbeResponse {
	return wire.ProbeResponse{
		BackupAddr:  p.cfg.BackupAddr,
		PrimaryAddr: p.cfg.PrimaryAddr,
		Role:        p.Role().String(),
	}
}

// capacity is the per-family user-file quota past which this primary
// refuses to take on files it does not already hold.
func (p *Peer) capacity() int {
	if p.cfg.FamilyCapacity > 0 {
		return p.cfg.FamilyCapacity
	}
	return defaultFamilyCapacity
}
