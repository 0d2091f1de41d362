package peer

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/replicafed/replicafed/internal/family"
)

const membershipFileName = "membership.json"

// loadMembership rereads the peer's persisted membership so a crashed-
// and-restarted peer does not forget an in-flight family assignment. A
// missing file means the peer has never been assigned (still POOLED).
func (p *Peer) loadMembership() (family.Membership, bool, error) {
	path := filepath.Join(p.cfg.DataDir, membershipFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return family.Membership{}, false, nil
		}
		return family.Membership{}, false, err
	}
	var m family.Membership
	if err := json.Unmarshal(data, &m); err != nil {
		return family.Membership{}, false, err
	}
	return m, true, nil
}

// saveMembership persists the current family_id/primary/backup-list
// membership as JSON.
func (p *Peer) saveMembership(m family.Membership) error {
	if err := os.MkdirAll(p.cfg.DataDir, 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(p.cfg.DataDir, membershipFileName)
	return os.WriteFile(path, data, 0600)
}
