// Package app wires the herald daemon together: config, logging, storage,
// channels, the campaign engine and the schedule runner.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"herald/internal/channel"
	"herald/internal/config"
	"herald/internal/engine"
	"herald/internal/eventbus"
	"herald/internal/pprof"
	"herald/internal/runtime/supervisor"
	"herald/internal/schedule"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    store.Store
	channels *channel.Registry

	engine *engine.Service
	sched  *schedule.Service
	pprof  *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	stCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info("store opened", logx.String("driver", stCfg.Driver))

	registry, err := buildChannels(cfg, log.With(logx.String("comp", "channel")))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	log.Info("channels registered", logx.Any("ids", registry.IDs()))

	bus := eventbus.New()

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	eng := engine.New(engCfg, st, registry, bus, log.With(logx.String("comp", "engine")))

	schedCfg, err := mapScheduleConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	sched := schedule.New(schedCfg, st, eng, log.With(logx.String("comp", "schedule")))

	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	pprofSvc := pprof.New(ppc, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    st,
		channels: registry,
		engine:   eng,
		sched:    sched,
		pprof:    pprofSvc,
	}, nil
}

// Engine exposes the campaign engine for operational surfaces built on top
// of the app (CLIs, admin transports).
func (a *App) Engine() *engine.Service { return a.engine }

func (a *App) Store() store.Store { return a.store }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.engine.Start(runCtx)
	// Interrupted campaigns re-enter the queue before the schedule runner
	// starts admitting new ones.
	if err := a.engine.Recover(runCtx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	}
	a.pprof.Start(runCtx)

	// Campaign lifecycle events at debug level for operational visibility.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the latest snapshot matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			a.applyConfig(ctx, newCfg, sections)

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config, sections []string) {
	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "channels":
			a.log.Warn("channel config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLoggingConfig(cfg))

	if engCfg, err := mapEngineConfig(cfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(engCfg)
	}

	if schedCfg, err := mapScheduleConfig(cfg); err != nil {
		a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
	} else {
		prev := a.sched.Enabled()
		a.sched.Apply(schedCfg)
		switch {
		case prev && !schedCfg.Enabled:
			a.log.Info("schedule runner disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !prev && schedCfg.Enabled:
			a.log.Info("schedule runner enabled via config")
			a.sched.Start(ctx)
		}
	}

	if ppc, err := mapPprofConfig(cfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, ppc)
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	start := time.Now()
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bounded shutdown steps so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					a.log.Warn("panic in stop step", logx.String("name", name), logx.Any("panic", r))
				}
			}()
			fn(stepCtx)
		}()
		select {
		case <-done:
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	// Admission stops before execution so nothing new enters the queue while
	// the engine drains.
	step("schedule", 3*time.Second, a.sched.Stop)
	step("engine", 10*time.Second, a.engine.Stop)
	step("pprof", 3*time.Second, a.pprof.Stop)
	step("supervisor", 5*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}

	a.log.Info("app stopped", logx.Duration("took", time.Since(start)))
	a.logs.Close()
	return a.sup.Err()
}
