package wire

import (
	"encoding/json"
	stderr "errors"
	"net/http"
	"time"

	"github.com/replicafed/replicafed/pkg/errors"
	"github.com/replicafed/replicafed/pkg/utils"
)

// Router is a thin wrapper around http.ServeMux that registers domain
// routes with the request-id logging, error-to-status translation, and
// metrics recording every endpoint gets, generalized from pkg/api's
// own loggingMiddleware/respondJSON pattern.
type Router struct {
	Mux     *http.ServeMux
	logger  *utils.StructuredLogger
	metrics MetricsHook
}

// MetricsHook lets the caller observe per-route latency without wire
// depending on internal/metrics directly (peer and router pass a closure
// over their own Collector).
type MetricsHook func(path string, status int, duration time.Duration)

// NewRouter returns a Router ready to have domain handlers registered.
func NewRouter(logger *utils.StructuredLogger, hook MetricsHook) *Router {
	return &Router{
		Mux:     http.NewServeMux(),
		logger:  logger,
		metrics: hook,
	}
}

// Handle registers fn at path, wrapping it with request logging, panic-
// free error translation (fn may return a *errors.FedError, translated to
// its HTTPStatus; any other error is translated to 500), and the metrics
// hook.
func (rt *Router) Handle(path string, fn func(w http.ResponseWriter, r *http.Request) error) {
	rt.Mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		err := fn(w, r)
		status := http.StatusOK
		if err != nil {
			status = WriteError(w, err)
		}
		if rt.logger != nil {
			rt.logger.Debug("handled request", map[string]interface{}{
				"method":   r.Method,
				"path":     path,
				"status":   status,
				"duration": time.Since(start).String(),
			})
		}
		if rt.metrics != nil {
			rt.metrics(path, status, time.Since(start))
		}
	})
}

// DecodeJSON decodes the request body into v. An empty body is treated as
// a zero-value v, not an error, so bodyless calls (e.g. a become_primary
// with no payload) still route cleanly.
func DecodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New(errors.ErrCodeIOError, "failed to decode request body").WithCause(err)
	}
	return nil
}

// WriteJSON writes v as a 200 JSON response.
func WriteJSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if v == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(v)
}

// WriteError translates err to its wire status code and writes the JSON
// error envelope Client.do expects, returning the status code written.
// The router's 425 "allocation in progress" reply does not pass through
// here (its verb handler writes it for a pending allocation); every
// FedError, NotRoutable included, maps through its own HTTPStatus.
func WriteError(w http.ResponseWriter, err error) int {
	var fe *errors.FedError
	status := http.StatusInternalServerError
	code := errors.ErrCodeIOError
	message := err.Error()
	if stderr.As(err, &fe) {
		status = fe.HTTPStatus
		code = fe.Code
		message = fe.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    code,
		"message": message,
	})
	return status
}

// WriteStatus writes a bare status code with the same error envelope
// shape, used for the router's 425-allocating response which is not
// itself an error but needs the same {code,message} decode path on
// clients that treat any non-2xx generically.
func WriteStatus(w http.ResponseWriter, status int, code errors.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    code,
		"message": message,
	})
}
