package config

import (
	"fmt"
	"strings"

	"github.com/kilnrun/kiln/internal/domain"
)

// validate checks a WorkerConfig's invariants, aggregating every
// violation into a single error. The idleTimeout/ttl clamp is applied
// silently before validation runs, so it never itself produces an error.
func validate(cfg *domain.WorkerConfig) error {
	if cfg.TTLMs > 0 && cfg.IdleTimeoutMs > cfg.TTLMs {
		cfg.IdleTimeoutMs = cfg.TTLMs
	}

	var problems []string

	if cfg.TimeoutMs <= 0 {
		problems = append(problems, "timeout must be > 0")
	}
	if cfg.IdleTimeoutMs <= 0 {
		problems = append(problems, "idleTimeout must be > 0")
	}
	if cfg.TTLMs < 0 {
		problems = append(problems, "ttl must be >= 0")
	}
	if cfg.TTLMs > 0 {
		if cfg.TTLMs < cfg.TimeoutMs {
			problems = append(problems, "ttl must be >= timeout")
		}
		if cfg.IdleTimeoutMs < cfg.TimeoutMs {
			problems = append(problems, "idleTimeout must be >= timeout")
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(problems, "; "))
}
