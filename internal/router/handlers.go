package router

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/replicafed/replicafed/internal/family"
	"github.com/replicafed/replicafed/internal/wire"
	"github.com/replicafed/replicafed/pkg/errors"
)

// registerRoutes wires the router's HTTP surface: the six client verbs,
// request_pool_peer, update_primary, and a liveness probe.
func (rt *Router) registerRoutes(mux *wire.Router) {
	for _, ep := range []struct {
		path string
		verb family.Verb
	}{
		{wire.PathRead, family.Read},
		{wire.PathWrite, family.Write},
		{wire.PathDelete, family.Delete},
		{wire.PathCopy, family.Copy},
		{wire.PathRename, family.Rename},
		{wire.PathExists, family.Exists},
	} {
		verb := ep.verb
		mux.Handle(ep.path, func(w http.ResponseWriter, r *http.Request) error {
			return rt.handleVerb(w, r, verb)
		})
	}

	mux.Handle(wire.PathPoolRequest, func(w http.ResponseWriter, r *http.Request) error {
		addr, ok := rt.RequestPoolPeer(r.Context())
		return wire.WriteJSON(w, wire.PoolPeerResponse{Address: addr, Available: ok})
	})

	mux.Handle(wire.PathFamilyUpdatePrimary, func(w http.ResponseWriter, r *http.Request) error {
		var req wire.UpdatePrimaryRequest
		if err := wire.DecodeJSON(r, &req); err != nil {
			return err
		}
		if err := rt.UpdatePrimary(req.Old, req.New); err != nil {
			return err
		}
		return wire.WriteJSON(w, nil)
	})

	mux.Handle(wire.PathBackupUpdateList, func(w http.ResponseWriter, r *http.Request) error {
		// A primary reports its rewritten backup list after replacement
		// or promotion so the persisted R derivation stays current.
		var req wire.UpdateBackupListRequest
		if err := wire.DecodeJSON(r, &req); err != nil {
			return err
		}
		origin := r.URL.Query().Get("primary")
		if origin != "" {
			rt.RecordBackups(origin, req.Backups)
		}
		return wire.WriteJSON(w, nil)
	})

	mux.Handle(wire.PathProbe, func(w http.ResponseWriter, r *http.Request) error {
		return wire.WriteJSON(w, nil)
	})
}

// handleVerb serves one client verb: dispatch (or token retry), then
// translate the result into the client envelope, writing 425 with the
// token while an allocation is in flight.
func (rt *Router) handleVerb(w http.ResponseWriter, r *http.Request, verb family.Verb) error {
	var req wire.OpRequest
	if err := wire.DecodeJSON(r, &req); err != nil {
		return err
	}

	var res routeResult
	var err error
	if tokenStr := r.URL.Query().Get("token"); tokenStr != "" {
		token, convErr := strconv.Atoi(tokenStr)
		if convErr != nil {
			return errors.NotRoutable(string(verb), req.Path).WithDetail("token", tokenStr)
		}
		res, err = rt.routeWithToken(r.Context(), verb, token, req)
	} else {
		res, err = rt.route(r.Context(), verb, req)
	}
	if err != nil {
		return err
	}

	if res.allocating {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(wire.StatusAllocating)
		return json.NewEncoder(w).Encode(wire.RouteResponse{Allocating: true, Token: res.token})
	}
	return wire.WriteJSON(w, wire.RouteResponse{Data: res.resp.Data, Exists: res.resp.Exists})
}
