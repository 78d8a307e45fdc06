package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"bottle-gateway/internal/i18n"
	"bottle-gateway/internal/portal"
	"bottle-gateway/internal/session"
)

const codeInvalidRequest = "INVALID_REQUEST"

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func macNorm(m string) string {
	return strings.ToLower(strings.TrimSpace(m))
}

// peerIP is the address the request came from. The kiosk serves the LAN
// directly, so forwarding headers are not trusted.
func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func statusFor(code string) int {
	switch code {
	case session.CodeNotFound:
		return http.StatusNotFound
	case session.CodeNotDonated, session.CodeIdentityMismatch:
		return http.StatusForbidden
	case session.CodeExpired:
		return http.StatusGone
	case session.CodeAlreadyActive:
		return http.StatusConflict
	case portal.CodeUnresolved, codeInvalidRequest:
		return http.StatusBadRequest
	case portal.CodeAdapterFailure:
		return http.StatusBadGateway
	case portal.CodeSensor, session.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorBody builds the localized error payload. 5xx responses are marked
// retryable.
func errorBody(r *http.Request, code string) (int, ErrorResponse) {
	if code == "" {
		code = string(i18n.ErrInternal)
	}
	status := statusFor(code)
	return status, ErrorResponse{
		Reason:    code,
		Message:   i18n.T(i18n.DetectLang(r), i18n.Key(code)),
		Retryable: status >= 500,
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code string) {
	status, body := errorBody(r, code)
	writeJSON(w, status, body)
}

func secondsUntil(t, now time.Time) int {
	d := t.Sub(now).Round(time.Second)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}
