package policy

// =========================
// Runtime Policy Model
// =========================

// RuntimePolicy is the effective grant policy the gateway enforces.
type RuntimePolicy struct {
	Gateway    GatewayInfo       `json:"gateway"`
	Version    PolicyVersion     `json:"policy_version"`
	Grant      RuntimeGrant      `json:"grant"`
	Identity   RuntimeIdentity   `json:"identity"`
	Store      RuntimeStore      `json:"store"`
	Accounting RuntimeAccounting `json:"accounting"`
}

// GatewayInfo identifies the kiosk
type GatewayInfo struct {
	ID   string `json:"id"`
	Site string `json:"site"`
	Name string `json:"name"`
}

// =========================
// Versioning
// =========================

type PolicyVersion struct {
	Version   string `json:"version"`
	Checksum  string `json:"checksum"`  // sha256 of runtime payload
	Generated int64  `json:"generated"` // unix timestamp
}

// =========================
// Grant
// =========================

type RuntimeGrant struct {
	DurationSeconds    int  `json:"duration_seconds"`
	RetentionSeconds   int  `json:"retention_seconds"`
	OneActivePerDevice bool `json:"one_active_per_device"`
	SweepSeconds       int  `json:"sweep_seconds"`
}

type RuntimeIdentity struct {
	Sources  []string `json:"sources"`
	Fallback string   `json:"fallback"`
}

type RuntimeStore struct {
	Backend string `json:"backend"`
}

type RuntimeAccounting struct {
	Enabled bool   `json:"enabled"`
	NASID   string `json:"nas_id,omitempty"`
}
