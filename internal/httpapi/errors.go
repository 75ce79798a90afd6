package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"pkt.systems/relayd/api"
	"pkt.systems/relayd/internal/correlation"
	"pkt.systems/relayd/internal/dispatch"
	"pkt.systems/relayd/internal/loggingutil"
)

type httpError struct {
	Status       int
	Code         string
	Detail       string
	RemoteStatus int
	RetryAfter   int64
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return e.Code + ": " + e.Detail
	}
	return e.Code
}

// toHTTPError converts dispatch failures; anything else is internal.
func toHTTPError(err error) (httpError, bool) {
	var he httpError
	if errors.As(err, &he) {
		return he, true
	}
	var de *dispatch.Error
	if errors.As(err, &de) {
		return httpError{
			Status:       de.HTTPStatus(),
			Code:         string(de.Kind),
			Detail:       de.Error(),
			RemoteStatus: de.Status,
			RetryAfter:   retryAfterSeconds(de.RetryAfter),
		}, true
	}
	return httpError{}, false
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := loggingutil.FromContext(ctx, h.logger)
	he, ok := toHTTPError(err)
	if !ok {
		logger.Error("http.request.internal_error", "error", err)
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
			ErrorCode:     "internal_error",
			Detail:        "internal server error",
			CorrelationID: correlation.ID(ctx),
		}, nil)
		return
	}
	logger.Debug("http.request.failure",
		"status", he.Status,
		"code", he.Code,
		"detail", he.Detail,
		"remote_status", he.RemoteStatus,
		"retry_after", he.RetryAfter,
	)
	var headers map[string]string
	if he.RetryAfter > 0 {
		headers = map[string]string{"Retry-After": strconv.FormatInt(he.RetryAfter, 10)}
	}
	writeJSON(w, he.Status, api.ErrorResponse{
		ErrorCode:         he.Code,
		Detail:            he.Detail,
		RemoteStatus:      he.RemoteStatus,
		RetryAfterSeconds: he.RetryAfter,
		CorrelationID:     correlation.ID(ctx),
	}, headers)
}

// retryAfterSeconds rounds d up to whole seconds.
func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
