package app

import (
	"fmt"
	"time"

	"herald/internal/channel"
	"herald/internal/config"
	"herald/internal/engine"
	"herald/internal/pprof"
	"herald/internal/schedule"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

// Mapping helpers translate the file-level config (string durations, JSON
// shapes) into the typed runtime configs each service takes.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	if cfg.Storage == nil {
		return store.Config{Driver: "memory"}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	e := cfg.Engine
	minDelay, err := config.ParseDurationField("engine.min_delay", e.MinDelay)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("engine.max_delay", e.MaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	pollTick, err := config.ParseDurationField("engine.poll_tick", e.PollTick)
	if err != nil {
		return engine.Config{}, err
	}
	refresh, err := config.ParseDurationField("engine.assignment_refresh", e.AssignmentRefresh)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:             e.Workers,
		QueueSize:           e.QueueSize,
		CampaignConcurrency: e.CampaignConcurrency,
		MinDelay:            minDelay,
		MaxDelay:            maxDelay,
		PollTick:            pollTick,
		AssignmentRefresh:   refresh,
	}, nil
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	interval, err := config.ParseDurationField("schedule.scan_interval", cfg.Schedule.ScanInterval)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{
		Enabled:      cfg.Schedule.Enabled,
		ScanInterval: interval,
		Timezone:     cfg.Schedule.Timezone,
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	read, err := config.ParseDurationField("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	// WriteTimeout defaults to 0 (disabled) so long /profile captures work.
	write, err := config.ParseDurationField("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("pprof.idle_timeout", cfg.Pprof.IdleTimeout, 60*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Prefix:        cfg.Pprof.Prefix,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// buildChannels constructs every configured delivery channel and registers it.
// Channel construction may do I/O (the Telegram client verifies its token).
func buildChannels(cfg *config.Config, log logx.Logger) (*channel.Registry, error) {
	reg := channel.NewRegistry()

	for i, tc := range cfg.Channels.Telegram {
		timeout, err := config.ParseDurationField(fmt.Sprintf("channels.telegram[%d].timeout", i), tc.Timeout)
		if err != nil {
			return nil, err
		}
		ch, err := channel.NewTelegram(channel.TelegramConfig{
			ID:      tc.ID,
			Token:   tc.Token,
			Timeout: timeout,
		}, log.With(logx.String("channel", tc.ID)))
		if err != nil {
			return nil, fmt.Errorf("channels.telegram[%d]: %w", i, err)
		}
		if err := reg.Add(ch); err != nil {
			return nil, err
		}
	}

	for i, gc := range cfg.Channels.Gateway {
		timeout, err := config.ParseDurationField(fmt.Sprintf("channels.gateway[%d].timeout", i), gc.Timeout)
		if err != nil {
			return nil, err
		}
		ch, err := channel.NewGateway(channel.GatewayConfig{
			ID:         gc.ID,
			URL:        gc.URL,
			APIKey:     gc.APIKey,
			RatePerSec: gc.RatePerSec,
			Timeout:    timeout,
		}, log.With(logx.String("channel", gc.ID)))
		if err != nil {
			return nil, fmt.Errorf("channels.gateway[%d]: %w", i, err)
		}
		if err := reg.Add(ch); err != nil {
			return nil, err
		}
	}

	return reg, nil
}
