package router

import (
	"context"
	"sync"

	"github.com/replicafed/replicafed/internal/wire"
	"github.com/replicafed/replicafed/pkg/utils"
)

// PoolPeer is one idle peer in inventory: the backup endpoint it was
// registered under, plus the primary endpoint it reported on its last
// liveness probe (needed when it is designated a new family's initial
// primary).
type PoolPeer struct {
	BackupAddr  string `json:"backup_addr"`
	PrimaryAddr string `json:"primary_addr"`
}

// Pool is the ordered inventory of idle peer addresses. Its
// two operations are take-one-reachable and the initial add; drained
// peers do not return.
type Pool struct {
	mu     sync.Mutex
	peers  []string
	client *wire.Client
	logger *utils.StructuredLogger
}

// NewPool returns a pool over the given ordered backup addresses.
func NewPool(addrs []string, client *wire.Client, logger *utils.StructuredLogger) *Pool {
	return &Pool{
		peers:  append([]string(nil), addrs...),
		client: client,
		logger: logger,
	}
}

// TakeOneReachable pops heads off the inventory until one answers the
// liveness probe, returning that peer, or ok=false if the pool drains
// first. Unreachable heads are discarded, not retried.
func (p *Pool) TakeOneReachable(ctx context.Context) (PoolPeer, bool) {
	for {
		p.mu.Lock()
		if len(p.peers) == 0 {
			p.mu.Unlock()
			return PoolPeer{}, false
		}
		head := p.peers[0]
		p.peers = p.peers[1:]
		p.mu.Unlock()

		var probe wire.ProbeResponse
		if err := p.client.GetJSON(ctx, head, wire.PathProbe, &probe); err != nil {
			p.logger.Warn("discarding unreachable pool peer", map[string]interface{}{
				"peer":  head,
				"error": err.Error(),
			})
			continue
		}
		return PoolPeer{BackupAddr: head, PrimaryAddr: probe.PrimaryAddr}, true
	}
}

// Add appends addresses to the tail of the inventory, skipping ones
// already present. Used when loading configuration over persisted state.
func (p *Pool) Add(addrs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	known := make(map[string]bool, len(p.peers))
	for _, a := range p.peers {
		known[a] = true
	}
	for _, a := range addrs {
		if a != "" && !known[a] {
			p.peers = append(p.peers, a)
			known[a] = true
		}
	}
}

// Len returns the current inventory size.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// Snapshot returns a copy of the inventory in order, for persistence.
func (p *Pool) Snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.peers...)
}
