package wire

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicafed/replicafed/pkg/errors"
	"github.com/replicafed/replicafed/pkg/utils"
)

func testLogger(t *testing.T) *utils.StructuredLogger {
	t.Helper()
	logger, err := utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	require.NoError(t, err)
	return logger
}

// hostPort strips the scheme from an httptest server URL so it can be
// used as a peer address.
func hostPort(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestPostRoundTrip(t *testing.T) {
	rt := NewRouter(testLogger(t), nil)
	rt.Handle(PathWrite, func(w http.ResponseWriter, r *http.Request) error {
		var req OpRequest
		if err := DecodeJSON(r, &req); err != nil {
			return err
		}
		assert.Equal(t, "a.txt", req.Path)
		assert.Equal(t, []byte("hello"), req.Data)
		return WriteJSON(w, OpResponse{})
	})
	srv := httptest.NewServer(rt.Mux)
	defer srv.Close()

	c := NewClient(time.Second)
	var resp OpResponse
	err := c.Post(context.Background(), hostPort(srv), PathWrite, OpRequest{Path: "a.txt", Data: []byte("hello")}, &resp)
	require.NoError(t, err)
}

func TestErrorEnvelopeReconstruction(t *testing.T) {
	rt := NewRouter(testLogger(t), nil)
	rt.Handle(PathRead, func(w http.ResponseWriter, r *http.Request) error {
		return errors.NotFound("read", "missing.txt")
	})
	srv := httptest.NewServer(rt.Mux)
	defer srv.Close()

	c := NewClient(time.Second)
	err := c.Post(context.Background(), hostPort(srv), PathRead, OpRequest{Path: "missing.txt"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestConflictStatusCode(t *testing.T) {
	rt := NewRouter(testLogger(t), nil)
	rt.Handle(PathBackupHeartbeat, func(w http.ResponseWriter, r *http.Request) error {
		return errors.Conflict("backup.heartbeat", "heartbeat from unrecognized primary")
	})
	srv := httptest.NewServer(rt.Mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+PathBackupHeartbeat, "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var env map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, string(errors.ErrCodeConflict), env["code"])
}

func TestTimeoutClassifiedUnreachable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathProbe, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(50 * time.Millisecond)
	err := c.Get(context.Background(), hostPort(srv), PathProbe)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeUnreachable))
}

func TestUnreachableHostClassified(t *testing.T) {
	c := NewClient(100 * time.Millisecond)
	// A reserved port on localhost nothing listens on.
	err := c.Get(context.Background(), "127.0.0.1:1", PathProbe)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeUnreachable))
}

func TestPostRouteAllocating(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathWrite, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(StatusAllocating)
		_ = json.NewEncoder(w).Encode(RouteResponse{Allocating: true, Token: 4})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(time.Second)
	route, err := c.PostRoute(context.Background(), hostPort(srv), PathWrite, OpRequest{Path: "new.txt"})
	require.NoError(t, err)
	assert.True(t, route.Allocating)
	assert.Equal(t, 4, route.Token)
}

func TestPostRouteForwarded(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathRead, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RouteResponse{Data: []byte("payload")})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(time.Second)
	route, err := c.PostRoute(context.Background(), hostPort(srv), PathRead, OpRequest{Path: "a.txt"})
	require.NoError(t, err)
	assert.False(t, route.Allocating)
	assert.Equal(t, []byte("payload"), route.Data)
}

func TestDecodeJSONEmptyBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, PathPrimaryBecome, nil)
	var out RegisterFamilyRequest
	require.NoError(t, DecodeJSON(req, &out))
	assert.Zero(t, out.FamilyID)
}

func TestGetJSONDecodesProbe(t *testing.T) {
	rt := NewRouter(testLogger(t), nil)
	rt.Handle(PathProbe, func(w http.ResponseWriter, r *http.Request) error {
		return WriteJSON(w, ProbeResponse{BackupAddr: "b:1", PrimaryAddr: "p:1", Role: "pooled"})
	})
	srv := httptest.NewServer(rt.Mux)
	defer srv.Close()

	c := NewClient(time.Second)
	var probe ProbeResponse
	require.NoError(t, c.GetJSON(context.Background(), hostPort(srv), PathProbe, &probe))
	assert.Equal(t, "p:1", probe.PrimaryAddr)
	assert.Equal(t, "pooled", probe.Role)
}
