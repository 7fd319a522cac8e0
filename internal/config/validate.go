package config

import (
	"fmt"
	"strings"
)

// Validate checks field-level constraints. It is used both at startup and as
// the Watch() validator so a bad edit never replaces a good running config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		return fmt.Errorf("http.addr is required")
	}
	if cfg.HTTP.ClaimRatePerSec < 0 {
		return fmt.Errorf("http.claim_rate_per_sec must be >= 0")
	}
	if cfg.HTTP.ClaimBurst < 0 {
		return fmt.Errorf("http.claim_burst must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"sweeps.plan", cfg.Sweeps.Plan},
		{"sweeps.lease", cfg.Sweeps.Lease},
		{"sweeps.stacking", cfg.Sweeps.Stacking},
		{"sweeps.realloc", cfg.Sweeps.Realloc},
		{"sweeps.timeout", cfg.Sweeps.Timeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if cfg.Legacy != nil {
		if strings.TrimSpace(cfg.Legacy.BaseURL) == "" {
			return fmt.Errorf("legacy.base_url is required when the legacy section is present")
		}
		if _, err := ParseDurationField("legacy.timeout", cfg.Legacy.Timeout); err != nil {
			return err
		}
		if cfg.Legacy.RatePerSec < 0 {
			return fmt.Errorf("legacy.rate_per_sec must be >= 0")
		}
	}
	return nil
}
