package middleware

import (
	"fmt"
	"net/http"

	"github.com/upb/authz-gateway/internal/observability"
	"github.com/upb/authz-gateway/services"
	"github.com/upb/authz-gateway/utils"
	"go.uber.org/zap"
)

// State is the position of a request in the route pipeline.
type State int

const (
	StateReceived State = iota
	StateCacheReady
	StateAuthenticated
	StateAuthorized
	StateHandled
	StateRejected
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateCacheReady:
		return "cache_ready"
	case StateAuthenticated:
		return "authenticated"
	case StateAuthorized:
		return "authorized"
	case StateHandled:
		return "handled"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stage names used in logs and rejection metrics
const (
	StageDirectory      = "directory"
	StageAuthentication = "authentication"
	StageAuthorization  = "authorization"
	StageHandler        = "handler"
)

// stateTracker is owned by a single request goroutine.
type stateTracker struct {
	current State
	reason  services.ErrorType
}

// inState reports whether the request is in state s. Outside a pipeline there
// is no tracker and every stage may run.
func inState(r *http.Request, s State) bool {
	t := trackerFrom(r.Context())
	return t == nil || t.current == s
}

// setState records that the request reached state s
func setState(r *http.Request, s State) {
	if t := trackerFrom(r.Context()); t != nil {
		t.current = s
	}
}

// reject marks the request as rejected and writes the error response. Internal
// causes are logged, never returned to the caller.
func reject(w http.ResponseWriter, r *http.Request, stage string, err error, logger *zap.Logger, metrics *observability.Metrics) {
	domainErr := services.FromError(err)
	status := services.HTTPStatus(domainErr.Type)

	if t := trackerFrom(r.Context()); t != nil {
		t.current = StateRejected
		t.reason = domainErr.Type
	}
	metrics.RecordRejection(stage, string(domainErr.Type))

	fields := []zap.Field{
		zap.String("request_id", GetRequestIDFromContext(r.Context())),
		zap.String("stage", stage),
		zap.String("reason", string(domainErr.Type)),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request rejected", fields...)
	} else {
		logger.Warn("request rejected", fields...)
	}

	_ = utils.WriteError(w, status, domainErr.Message, nil)
}

// outOfOrder rejects a request that reached a stage in the wrong state.
func outOfOrder(w http.ResponseWriter, r *http.Request, stage string, want State, logger *zap.Logger, metrics *observability.Metrics) {
	err := services.WrapInternal("pipeline stage out of order",
		fmt.Errorf("stage %s expected state %s, got %s", stage, want, StateFromContext(r.Context())))
	reject(w, r, stage, err, logger, metrics)
}
