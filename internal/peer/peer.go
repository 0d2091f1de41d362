// Package peer implements the replica peer runtime: the
// POOLED/BACKUP/PRIMARY tagged role variant, the election watchdog and
// primary heartbeat daemons, the promotion (takeover) sequence,
// replication fan-out, and backup health/replacement. Election is
// address-ordered, not vote-based: every peer sorts the membership the
// same way, so concurrent initiators converge without epochs.
package peer

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/replicafed/replicafed/internal/circuit"
	"github.com/replicafed/replicafed/internal/family"
	"github.com/replicafed/replicafed/internal/filestore"
	"github.com/replicafed/replicafed/internal/metrics"
	"github.com/replicafed/replicafed/internal/wire"
	"github.com/replicafed/replicafed/pkg/health"
	"github.com/replicafed/replicafed/pkg/status"
	"github.com/replicafed/replicafed/pkg/utils"
)

// Role is the peer's current tagged role.
type Role int32

const (
	RolePooled Role = iota
	RoleBackup
	RolePrimary
)

func (r Role) String() string {
	switch r {
	case RolePooled:
		return "pooled"
	case RoleBackup:
		return "backup"
	case RolePrimary:
		return "primary"
	default:
		return "unknown"
	}
}

// Peer is one replica peer process. Exactly one role is active at a
// time; promotion cancels the backup daemons and starts the primary
// daemons rather than running both concurrently.
type Peer struct {
	cfg     Config
	store   *filestore.Store
	history *family.History

	logger  *utils.StructuredLogger
	metrics *metrics.Collector
	health  *health.Tracker
	status  *status.Tracker
	client  *wire.Client
	breaker *circuit.Manager

	mu                 sync.RWMutex
	role               Role
	familyID           int
	primary            family.Member   // address this peer currently recognizes as primary
	backups            []family.Member // ordered backup list
	lastPrimaryContact time.Time

	backupCancel context.CancelFunc

	backupServer  *http.Server
	primaryServer *http.Server

	consecutiveRejections int32 // split-brain self-termination counter
}

// New constructs a Peer in the POOLED role, anchoring its local file
// store at cfg.DataDir/files.
func New(cfg Config, logger *utils.StructuredLogger, coll *metrics.Collector, healthTracker *health.Tracker, statusTracker *status.Tracker) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := filestore.New(cfg.DataDir + "/files")
	if err != nil {
		return nil, err
	}

	p := &Peer{
		cfg:     cfg,
		store:   store,
		history: family.NewHistory(),
		logger:  logger.WithComponent("peer"),
		metrics: coll,
		health:  healthTracker,
		status:  statusTracker,
		client:  wire.NewClient(cfg.NetworkTimeout),
		role:    RolePooled,
	}
	p.breaker = circuit.NewManager(circuit.Config{
		MaxRequests: 1,
		Interval:    cfg.TCheck,
		Timeout:     cfg.TTimeout,
		OnStateChange: func(name string, from, to circuit.State) {
			p.metrics.RecordBreakerTransition(name, from.String(), to.String())
			p.logger.Warn("outbound circuit state changed", map[string]interface{}{
				"peer": name,
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})
	p.health.RegisterComponent("peer")
	p.health.RegisterComponent("peer.replication")
	p.health.RegisterComponent("peer.election")
	return p, nil
}

// Start brings up the backup endpoint (always running) and
// restores any persisted membership from a prior crash.
func (p *Peer) Start(ctx context.Context) error {
	rt := wire.NewRouter(p.logger, nil)
	p.registerBackupRoutes(rt)
	p.backupServer = &http.Server{Addr: p.cfg.BackupAddr, Handler: rt.Mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := p.backupServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(50 * time.Millisecond):
	}

	// A crashed-and-restarted peer resumes the role its membership file
	// records: its own primary endpoint as family primary means it was
	// the primary, anything else means backup.
	if m, ok, err := p.loadMembership(); err == nil && ok {
		if m.Primary == p.cfg.PrimaryAddr {
			if err := p.promoteAsInitial(m); err != nil {
				return err
			}
		} else {
			p.becomeBackup(m)
		}
	}

	return nil
}

// Stop shuts down whichever HTTP servers are currently running.
func (p *Peer) Stop(ctx context.Context) error {
	if p.backupCancel != nil {
		p.backupCancel()
	}
	if p.backupServer != nil {
		_ = p.backupServer.Shutdown(ctx)
	}
	if p.primaryServer != nil {
		_ = p.primaryServer.Shutdown(ctx)
	}
	return nil
}

// Role returns the peer's current role.
func (p *Peer) Role() Role {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.role
}

// Membership returns a snapshot of the peer's current family membership.
func (p *Peer) Membership() family.Membership {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return family.Membership{
		FamilyID: p.familyID,
		Primary:  p.primary,
		Backups:  append([]family.Member(nil), p.backups...),
	}
}

// LastPrimaryContact returns the last_primary_contact scalar.
func (p *Peer) LastPrimaryContact() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPrimaryContact
}

// touchPrimaryContact updates last_primary_contact to now, under lock.
func (p *Peer) touchPrimaryContact() {
	p.mu.Lock()
	p.lastPrimaryContact = time.Now()
	p.mu.Unlock()
}

// becomeBackup transitions POOLED -> BACKUP on receipt of a registration
// message. It is also used to restore a BACKUP from a reloaded
// membership file and to apply subsequent membership rewrites while
// already a backup (register_family is accepted idempotently). The
// election watchdog outlives whatever request delivered the
// registration, so it runs under the peer's own context, not the
// caller's.
func (p *Peer) becomeBackup(m family.Membership) {
	p.mu.Lock()
	wasPooled := p.role == RolePooled
	p.role = RoleBackup
	p.familyID = m.FamilyID
	p.primary = m.Primary
	p.backups = append([]family.Member(nil), m.Backups...)
	p.lastPrimaryContact = time.Now()
	p.mu.Unlock()

	_ = p.saveMembership(m)

	if wasPooled {
		bctx, cancel := context.WithCancel(context.Background())
		p.backupCancel = cancel
		go p.electionWatchdogLoop(bctx)
	}
}
