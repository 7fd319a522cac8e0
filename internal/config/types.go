package config

// Config is the static service configuration loaded from a JSON or YAML file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Dynamic scheduling tunables (allocation multiplier, claim timeout, quotas)
// live in the settings table, not here; this file only wires the process.
type Config struct {
	HTTP    HTTPConfig    `json:"http"`
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Sweeps  SweepsConfig  `json:"sweeps"`
	Legacy  *LegacyConfig `json:"legacy,omitempty"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`

	// ClaimRatePerSec limits claim calls per agent (token bucket).
	// 0 disables rate limiting.
	ClaimRatePerSec int `json:"claim_rate_per_sec,omitempty"`
	ClaimBurst      int `json:"claim_burst,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SweepsConfig sets the interval of each reconciliation loop.
//
// Defaults (when fields are omitted/zero):
//   - plan: "10s"      new-request planning pass
//   - lease: "30s"     expired-claim release
//   - stacking: "30s"  stacking threshold trigger
//   - realloc: "1m"    stalled-request top-up
//   - timeout: "1m"    request deadline sweep
type SweepsConfig struct {
	Enabled  bool   `json:"enabled"`
	Plan     string `json:"plan,omitempty"`
	Lease    string `json:"lease,omitempty"`
	Stacking string `json:"stacking,omitempty"`
	Realloc  string `json:"realloc,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// LegacyConfig enables best-effort mirroring of completions into the
// historical external system. Omit the section to disable mirroring.
type LegacyConfig struct {
	BaseURL    string `json:"base_url"`
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"`
}
