package router

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
)

const stateFileName = "router-state.json"

// routerState is the persisted shape of the router's inventory and
// family map: the pool in order, each family's
// primary and backup list, and the id counter so family ids never
// repeat across restarts.
type routerState struct {
	NextID   int             `json:"next_id"`
	Pool     []string        `json:"pool"`
	Families []*familyRecord `json:"families"`
}

// loadState rereads persisted state, returning an empty state when the
// router has never run in this DataDir.
func (rt *Router) loadState() (routerState, error) {
	path := filepath.Join(rt.cfg.DataDir, stateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return routerState{NextID: 1}, nil
		}
		return routerState{}, err
	}
	var st routerState
	if err := json.Unmarshal(data, &st); err != nil {
		return routerState{}, err
	}
	if st.NextID < 1 {
		st.NextID = 1
	}
	return st, nil
}

// saveState persists the pool and family map, written 0600 like the
// peer's membership files.
func (rt *Router) saveState() error {
	rt.famMu.RLock()
	fams := make([]*familyRecord, 0, len(rt.families))
	for _, f := range rt.families {
		cp := *f
		fams = append(fams, &cp)
	}
	rt.famMu.RUnlock()
	sort.Slice(fams, func(i, j int) bool { return fams[i].ID < fams[j].ID })

	rt.tableMu.Lock()
	nextID := rt.nextID
	rt.tableMu.Unlock()

	st := routerState{
		NextID:   nextID,
		Pool:     rt.pool.Snapshot(),
		Families: fams,
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(rt.cfg.DataDir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(rt.cfg.DataDir, stateFileName), data, 0600)
}
