package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"bottle-gateway/internal/i18n"
	"bottle-gateway/internal/identity"
	"bottle-gateway/internal/logger"
	"bottle-gateway/internal/policy"
	"bottle-gateway/internal/portal"
	"bottle-gateway/internal/security"
	"bottle-gateway/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func New(d Deps) *Server {
	s := &Server{
		cfg:       d.Config,
		ep:        d.Endpoint,
		sessions:  d.Endpoint.Sessions(),
		st:        d.Store,
		recycling: d.Recycling,
		admin:     d.Admin,
		metrics:   d.Metrics,
		gatherer:  d.Gatherer,
		log:       d.Logger,
		now:       d.Now,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Handler)
	r.Use(accessLog(s.log))

	r.Get("/healthz", s.healthz)
	r.Post("/detect", s.detect)
	r.Post("/grant", s.grant)
	r.Get("/stats", s.stats)
	r.Get("/status", s.status)
	r.Get("/api/v1/policy/runtime", policy.RuntimeHandler(s.cfg))

	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	if s.admin != nil {
		r.Post("/admin/login", s.adminLogin)
		r.Group(func(r chi.Router) {
			r.Use(security.RequireAdmin(s.admin.Issuer))
			r.Get("/admin/sessions", s.adminSessions)
			r.Post("/admin/sessions/{token}/revoke", s.adminRevoke)
			r.Get("/admin/history", s.adminHistory)
			r.Post("/admin/sweep", s.adminSweep)
		})
	}
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	err := s.st.Ping(r.Context())
	writeJSON(w, 200, map[string]any{
		"status":     "ok",
		"store_ping": err == nil,
	})
}

// ============================
// Kiosk
// ============================

func (s *Server) detect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lang := i18n.DetectLang(r)

	d, err := s.ep.Detect(ctx, peerIP(r), r.UserAgent())
	if err != nil {
		writeError(w, r, portal.Code(err))
		return
	}
	if !d.Detected {
		writeJSON(w, 200, DetectResp{Detected: false, Message: i18n.T(lang, i18n.MsgNotDetected)})
		return
	}

	exp := d.Session.ExpiresAt
	writeJSON(w, 200, DetectResp{
		Detected:         true,
		Message:          i18n.T(lang, i18n.MsgDetected),
		Token:            d.Session.Token,
		ExpiresInSeconds: secondsUntil(exp, s.now()),
		ExpiresAt:        &exp,
	})
}

func (s *Server) grant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req GrantReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeGrantError(w, r, codeInvalidRequest)
		return
	}

	id, err := s.ep.Identify(ctx, peerIP(r))
	if err != nil {
		writeGrantError(w, r, portal.Code(err))
		return
	}
	claimed := ""
	if req.DeviceIdentity != "" {
		var ok bool
		if claimed, ok = identity.NormalizeMAC(req.DeviceIdentity); !ok {
			claimed = macNorm(req.DeviceIdentity)
		}
	}

	out, err := s.ep.OnClaimedGrantRequest(ctx, req.Token, id.MAC, claimed)
	if err != nil {
		writeGrantError(w, r, portal.Code(err))
		return
	}
	writeJSON(w, 200, GrantResp{
		Granted:          true,
		Message:          i18n.T(i18n.DetectLang(r), i18n.MsgGranted),
		ExpiresAt:        out.Session.ExpiresAt,
		ExpiresInSeconds: secondsUntil(out.Session.ExpiresAt, s.now()),
	})
}

func writeGrantError(w http.ResponseWriter, r *http.Request, code string) {
	status, body := errorBody(r, code)
	writeJSON(w, status, map[string]any{
		"granted":   false,
		"reason":    body.Reason,
		"message":   body.Message,
		"retryable": body.Retryable,
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.sessions.Stats(r.Context())
	if err != nil {
		writeError(w, r, session.Code(err))
		return
	}
	writeJSON(w, 200, st)
}

// status reports the caller's own active session.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := s.ep.Identify(ctx, peerIP(r))
	if err != nil {
		writeError(w, r, portal.Code(err))
		return
	}
	active, err := s.ep.Status(ctx, id.MAC)
	if err != nil {
		writeError(w, r, session.Code(err))
		return
	}

	resp := StatusResp{DeviceMAC: id.MAC, Synthesized: id.Synthesized}
	if active != nil {
		exp := active.ExpiresAt
		resp.Active = true
		resp.ExpiresAt = &exp
		resp.RemainingSeconds = secondsUntil(exp, s.now())
	}
	writeJSON(w, 200, resp)
}

// ============================
// Admin
// ============================

func (s *Server) adminLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lg := logger.WithContext(ctx, s.log)

	var req LoginReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, codeInvalidRequest)
		return
	}
	tok, ttl, ok := s.admin.Login(ctx, req.Username, req.Password)
	if !ok {
		lg.Warn("[ADMIN] login rejected", zap.String("username", req.Username), zap.String("ip", peerIP(r)))
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{
			Reason:  string(i18n.ErrUnauthorized),
			Message: i18n.T(i18n.DetectLang(r), i18n.ErrUnauthorized),
		})
		return
	}
	lg.Info("[ADMIN] login", zap.String("username", req.Username))
	writeJSON(w, 200, map[string]any{
		"token":      tok,
		"expires_in": ttl,
	})
}

func (s *Server) adminSessions(w http.ResponseWriter, r *http.Request) {
	all, err := s.sessions.List(r.Context())
	if err != nil {
		writeError(w, r, session.Code(err))
		return
	}
	st, err := s.sessions.Stats(r.Context())
	if err != nil {
		writeError(w, r, session.Code(err))
		return
	}
	writeJSON(w, 200, map[string]any{
		"sessions": all,
		"stats":    st,
	})
}

func (s *Server) adminRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := chi.URLParam(r, "token")

	sess, err := s.ep.Revoke(ctx, token)
	if err != nil {
		writeError(w, r, portal.Code(err))
		return
	}
	logger.WithContext(ctx, s.log).Info("[ADMIN] revoke",
		zap.String("admin", security.AdminFrom(ctx)),
		zap.String("mac", sess.DeviceMAC),
	)
	writeJSON(w, 200, map[string]any{
		"revoked": true,
		"session": sess,
	})
}

func (s *Server) adminHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, codeInvalidRequest)
			return
		}
		limit = min(n, 1000)
	}
	if s.recycling == nil {
		writeJSON(w, 200, map[string]any{"total_bottles": 0, "total_minutes": 0, "recent": []any{}})
		return
	}
	h, err := s.recycling.Tail(limit)
	if err != nil {
		logger.WithContext(r.Context(), s.log).Error("[ADMIN] read recycling log", zap.Error(err))
		writeError(w, r, "")
		return
	}
	writeJSON(w, 200, h)
}

func (s *Server) adminSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.ep.Sweep(r.Context())
	if err != nil {
		writeError(w, r, session.Code(err))
		return
	}
	writeJSON(w, 200, res)
}
