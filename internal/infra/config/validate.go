package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks the configuration for missing or contradictory settings.
func (c *Config) Validate() error {
	var problems []string

	if c.Agent.APIURL == "" {
		problems = append(problems, "agent.api_url is required")
	}
	if c.Agent.RealtimeURL == "" {
		problems = append(problems, "agent.realtime_url is required")
	}
	if c.Provider.URL == "" {
		problems = append(problems, "provider.url is required")
	}
	if c.Provider.PollInterval < time.Second {
		problems = append(problems, "provider.poll_interval must be at least 1s")
	}

	switch c.Stats.Backend {
	case "http":
		if c.Stats.URL == "" {
			problems = append(problems, "stats.url is required for the http backend")
		}
	case "sqlite":
		if c.Stats.Path == "" {
			problems = append(problems, "stats.path is required for the sqlite backend")
		}
	case "none", "":
	default:
		problems = append(problems, fmt.Sprintf("stats.backend %q is not http, sqlite or none", c.Stats.Backend))
	}

	switch strings.ToLower(c.Logger.Format) {
	case "text", "json", "":
	default:
		problems = append(problems, fmt.Sprintf("logger.format %q is not text or json", c.Logger.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
