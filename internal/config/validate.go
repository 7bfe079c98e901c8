package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate checks field-level consistency: durations parse, channel IDs are
// unique and required fields are present. It deliberately does no I/O; token
// or endpoint reachability is the channels' own concern at build time.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	if c.Storage != nil {
		switch strings.TrimSpace(strings.ToLower(c.Storage.Driver)) {
		case "", "memory", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	if err := c.validateEngine(); err != nil {
		return err
	}
	if err := c.validateChannels(); err != nil {
		return err
	}

	if _, err := ParseDurationField("schedule.scan_interval", c.Schedule.ScanInterval); err != nil {
		return err
	}
	if tz := strings.TrimSpace(c.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"pprof.read_timeout", c.Pprof.ReadTimeout},
		{"pprof.write_timeout", c.Pprof.WriteTimeout},
		{"pprof.idle_timeout", c.Pprof.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateEngine() error {
	e := c.Engine
	min, err := ParseDurationField("engine.min_delay", e.MinDelay)
	if err != nil {
		return err
	}
	max, err := ParseDurationField("engine.max_delay", e.MaxDelay)
	if err != nil {
		return err
	}
	if max > 0 && min > max {
		return fmt.Errorf("engine: min_delay %s exceeds max_delay %s", min, max)
	}
	if _, err := ParseDurationField("engine.poll_tick", e.PollTick); err != nil {
		return err
	}
	if _, err := ParseDurationField("engine.assignment_refresh", e.AssignmentRefresh); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateChannels() error {
	seen := map[string]bool{}
	claim := func(id, section string) error {
		id = strings.TrimSpace(id)
		if id == "" {
			return fmt.Errorf("channels.%s: channel id is required", section)
		}
		if seen[id] {
			return fmt.Errorf("channels: duplicate channel id %q", id)
		}
		seen[id] = true
		return nil
	}

	for i, tc := range c.Channels.Telegram {
		if err := claim(tc.ID, "telegram"); err != nil {
			return err
		}
		if strings.TrimSpace(tc.Token) == "" {
			return fmt.Errorf("channels.telegram[%d]: token is required", i)
		}
		if _, err := ParseDurationField(fmt.Sprintf("channels.telegram[%d].timeout", i), tc.Timeout); err != nil {
			return err
		}
	}
	for i, gc := range c.Channels.Gateway {
		if err := claim(gc.ID, "gateway"); err != nil {
			return err
		}
		u, err := url.Parse(strings.TrimSpace(gc.URL))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("channels.gateway[%d]: invalid url %q", i, gc.URL)
		}
		if gc.RatePerSec < 0 {
			return fmt.Errorf("channels.gateway[%d]: rate_per_sec must be >= 0", i)
		}
		if _, err := ParseDurationField(fmt.Sprintf("channels.gateway[%d].timeout", i), gc.Timeout); err != nil {
			return err
		}
	}
	return nil
}
