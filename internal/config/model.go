package config

import "time"

type Config struct {
	Gateway    Gateway    `yaml:"gateway"`
	Grant      Grant      `yaml:"grant"`
	Store      Store      `yaml:"store"`
	Redis      Redis      `yaml:"redis"`
	Sensor     Sensor     `yaml:"sensor"`
	Enforcer   Enforcer   `yaml:"enforcer"`
	Identity   Identity   `yaml:"identity"`
	Audit      Audit      `yaml:"audit"`
	Accounting Accounting `yaml:"accounting"`
	Admin      Admin      `yaml:"admin"`
}

type Gateway struct {
	ID      string `yaml:"id" env:"BOTTLEGATE_ID"`
	Site    string `yaml:"site" env:"BOTTLEGATE_SITE"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Env     string `yaml:"env" env:"BOTTLEGATE_ENV"`
	Bind    struct {
		Host string `yaml:"host" env:"BOTTLEGATE_HOST"`
		Port int    `yaml:"port" env:"BOTTLEGATE_PORT"`
	} `yaml:"bind"`
	// SweepInterval closes firewall rules of expired grants; 0 disables the sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"BOTTLEGATE_SWEEP_INTERVAL"`
}

type Grant struct {
	// Seconds of internet access per donated bottle.
	DurationSeconds int `yaml:"duration_seconds" env:"BOTTLEGATE_GRANT_SECONDS"`
	// Seconds an expired session is kept for history before it is purged.
	RetentionSeconds int `yaml:"retention_seconds" env:"BOTTLEGATE_RETENTION_SECONDS"`
}

type Store struct {
	Backend string `yaml:"backend" env:"BOTTLEGATE_STORE_BACKEND"` // file|redis
	Path    string `yaml:"path" env:"BOTTLEGATE_STORE_PATH"`
}

type Redis struct {
	Host    string `yaml:"host" env:"BOTTLEGATE_REDIS_HOST"`
	Port    int    `yaml:"port" env:"BOTTLEGATE_REDIS_PORT"`
	DB      int    `yaml:"db"`
	Prefix  string `yaml:"prefix"`
	AuthRef string `yaml:"auth_ref"`
}

type Sensor struct {
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

type Enforcer struct {
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

type Identity struct {
	ARPTable string `yaml:"arp_table"`
	// IPNeigh is the fallback neighbour lookup command, called with the peer address appended.
	IPNeigh []string `yaml:"ip_neigh"`
}

type Audit struct {
	Enabled       bool   `yaml:"enabled"`
	SecretRef     string `yaml:"secret_ref"`
	RecyclingPath string `yaml:"recycling_path" env:"BOTTLEGATE_RECYCLING_PATH"`
}

type Accounting struct {
	Enabled   bool          `yaml:"enabled"`
	Server    string        `yaml:"server"`
	SecretRef string        `yaml:"secret_ref"`
	NASID     string        `yaml:"nas_id"`
	Timeout   time.Duration `yaml:"timeout"`
}

type Admin struct {
	Username     string        `yaml:"username"`
	PasswordHash string        `yaml:"password_hash"` // argon2id encoded, or env:NAME
	JWTSecretRef string        `yaml:"jwt_secret_ref"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

func (g Grant) Duration() time.Duration {
	return time.Duration(g.DurationSeconds) * time.Second
}

func (g Grant) Retention() time.Duration {
	return time.Duration(g.RetentionSeconds) * time.Second
}
