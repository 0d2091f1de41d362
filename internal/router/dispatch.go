package router

import (
	"context"
	"time"

	"github.com/replicafed/replicafed/internal/family"
	"github.com/replicafed/replicafed/internal/wire"
	"github.com/replicafed/replicafed/pkg/errors"
)

// routeResult is the dispatcher's answer for one client operation:
// either the forwarded primary's response, or a retry token for an
// allocation in flight.
type routeResult struct {
	allocating bool
	token      int
	resp       wire.OpResponse
}

// route is the dispatch procedure: collect each current
// primary's routability verdict for (verb, path) in family-id order,
// forward to the first PREFERRED, else the first VIABLE, else begin a
// new-family allocation and hand the client a retry token.
func (rt *Router) route(ctx context.Context, verb family.Verb, req wire.OpRequest) (routeResult, error) {
	firstViable := ""
	for _, f := range rt.Families() {
		start := time.Now()
		var v wire.VerdictResponse
		err := rt.client.Post(ctx, f.Primary, wire.PathVerdict, wire.VerdictRequest{
			Verb: string(verb),
			Path: req.Path,
		}, &v)
		if err != nil {
			rt.logger.Warn("primary did not answer verdict probe", map[string]interface{}{
				"family_id": f.ID,
				"primary":   f.Primary,
				"error":     err.Error(),
			})
			continue
		}
		rt.metrics.RecordRoutingVerdict(string(v.Verdict), time.Since(start))
		switch v.Verdict {
		case wire.Preferred:
			return rt.forward(ctx, verb, f.Primary, req)
		case wire.Viable:
			if firstViable == "" {
				firstViable = f.Primary
			}
		}
	}
	if firstViable != "" {
		return rt.forward(ctx, verb, firstViable, req)
	}

	// Only the file-creating verbs can be served by a brand-new empty
	// family; for the rest, a path no primary holds is simply absent,
	// and allocation would only delay the inevitable NotFound.
	if verb != family.Write && verb != family.Exists {
		return routeResult{}, errors.NotFound(string(verb), req.Path)
	}

	token := rt.beginAllocation()
	return routeResult{allocating: true, token: token}, nil
}

// routeWithToken serves a client retry carrying ?token=<n>:
// still-allocating yields the token again, a completed allocation
// forwards to the new family's primary.
func (rt *Router) routeWithToken(ctx context.Context, verb family.Verb, token int, req wire.OpRequest) (routeResult, error) {
	primary, pending, err := rt.resolveToken(token)
	if err != nil {
		return routeResult{}, err
	}
	if pending {
		return routeResult{allocating: true, token: token}, nil
	}
	return rt.forward(ctx, verb, primary, req)
}

// forward relays the operation one-for-one to the chosen primary's
// primary endpoint and returns its response.
func (rt *Router) forward(ctx context.Context, verb family.Verb, primary string, req wire.OpRequest) (routeResult, error) {
	var resp wire.OpResponse
	if err := rt.client.Post(ctx, primary, pathForVerb(verb), req, &resp); err != nil {
		return routeResult{}, err
	}
	return routeResult{resp: resp}, nil
}

func pathForVerb(v family.Verb) string {
	switch v {
	case family.Read:
		return wire.PathRead
	case family.Write:
		return wire.PathWrite
	case family.Delete:
		return wire.PathDelete
	case family.Copy:
		return wire.PathCopy
	case family.Rename:
		return wire.PathRename
	case family.Exists:
		return wire.PathExists
	default:
		return wire.PathRead
	}
}
