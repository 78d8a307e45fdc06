package policy

import (
	"encoding/json"
	"net/http"

	"bottle-gateway/internal/config"
)

// =========================
// Builder
// =========================

func BuildRuntimePolicy(cfg *config.Config) RuntimePolicy {
	rp := RuntimePolicy{
		Gateway: GatewayInfo{
			ID:   cfg.Gateway.ID,
			Site: cfg.Gateway.Site,
			Name: cfg.Gateway.Name,
		},
		Grant: RuntimeGrant{
			DurationSeconds:    cfg.Grant.DurationSeconds,
			RetentionSeconds:   cfg.Grant.RetentionSeconds,
			OneActivePerDevice: true,
			SweepSeconds:       int(cfg.Gateway.SweepInterval.Seconds()),
		},
		Identity: RuntimeIdentity{
			Sources:  []string{"arp_table", "ip_neigh"},
			Fallback: "synthesized_ipv4",
		},
		Store: RuntimeStore{Backend: cfg.Store.Backend},
		Accounting: RuntimeAccounting{
			Enabled: cfg.Accounting.Enabled,
		},
	}
	if cfg.Accounting.Enabled {
		rp.Accounting.NASID = cfg.Accounting.NASID
	}

	rp.Version = BuildPolicyVersion(
		struct {
			Grant      any
			Identity   any
			Store      any
			Accounting any
		}{
			rp.Grant,
			rp.Identity,
			rp.Store,
			rp.Accounting,
		},
		cfg.Gateway.Version,
	)

	return rp
}

// =========================
// HTTP Handler
// =========================

func RuntimeHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		policy := BuildRuntimePolicy(cfg)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Policy-Version", policy.Version.Version)
		w.Header().Set("X-Policy-Checksum", policy.Version.Checksum)

		_ = json.NewEncoder(w).Encode(policy)
	}
}
