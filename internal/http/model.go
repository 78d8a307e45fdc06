package httpapi

import (
	"time"

	"bottle-gateway/internal/audit"
	"bottle-gateway/internal/config"
	"bottle-gateway/internal/metrics"
	"bottle-gateway/internal/portal"
	"bottle-gateway/internal/security"
	"bottle-gateway/internal/session"
	"bottle-gateway/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Server struct {
	cfg       *config.Config
	ep        *portal.Endpoint
	sessions  *session.Manager
	st        store.Store
	recycling *audit.RecyclingLog
	admin     *security.Admin
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	log       *zap.Logger
	now       func() time.Time
}

// Deps wires the HTTP surface. Admin routes are only mounted when Admin is
// set; /metrics only when Gatherer is set.
type Deps struct {
	Config    *config.Config
	Endpoint  *portal.Endpoint
	Store     store.Store
	Recycling *audit.RecyclingLog
	Admin     *security.Admin
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
	Now       func() time.Time
}

type GrantReq struct {
	Token string `json:"token"`
	// DeviceIdentity is optional; when present it must match the identity
	// resolved from the peer address.
	DeviceIdentity string `json:"device_identity,omitempty"`
}

type LoginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type ErrorResponse struct {
	Reason    string `json:"reason"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

type DetectResp struct {
	Detected         bool       `json:"detected"`
	Message          string     `json:"message,omitempty"`
	Token            string     `json:"token,omitempty"`
	ExpiresInSeconds int        `json:"expires_in_seconds,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

type GrantResp struct {
	Granted          bool      `json:"granted"`
	Message          string    `json:"message,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
	ExpiresInSeconds int       `json:"expires_in_seconds"`
}

type StatusResp struct {
	Active           bool       `json:"active"`
	DeviceMAC        string     `json:"device_mac"`
	Synthesized      bool       `json:"synthesized,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RemainingSeconds int        `json:"remaining_seconds"`
}
