package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pewcast/internal/config"
	"pewcast/internal/eventbus"
	"pewcast/internal/runtime/supervisor"
	"pewcast/internal/services/broadcast"
	"pewcast/internal/services/schedule"
	"pewcast/internal/storage"
	"pewcast/internal/targets"
	"pewcast/internal/transcode"
	"pewcast/internal/transport"
	"pewcast/internal/transport/onebot"
	"pewcast/internal/transport/telegram"
	logx "pewcast/pkg/logx"
)

// App wires the transport, storage and services described by one config
// file. Daemon mode uses Start/Stop; one-shot commands use Connect/Stop.
type App struct {
	cfgm *config.Manager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	tr    transport.Transport
	tc    *transcode.Transcoder

	flags     atomic.Pointer[storage.Flags]
	notifyOps atomic.Bool

	bc    *broadcast.Service
	sched *schedule.Service

	connMu    sync.Mutex
	connected bool

	sup *supervisor.Supervisor
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	fail := func(store storage.Store, err error) (*App, error) {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	tr, tc, err := newTransport(cfg, log)
	if err != nil {
		return fail(nil, err)
	}
	// the operator sink stays quiet until the transport is connected
	if r, ok := tr.(logx.Relay); ok {
		logSvc.SetRelay(r)
	}

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return fail(nil, err)
	} else if enabled {
		octx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		st, err := storage.Open(octx, sc, log.With(logx.String("comp", "storage")))
		cancel()
		if err != nil {
			return fail(nil, fmt.Errorf("storage: %w", err))
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a, err := assemble(cfg, tr, tc, store, log)
	if err != nil {
		return fail(store, err)
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

func newTransport(cfg *config.Config, log logx.Logger) (transport.Transport, *transcode.Transcoder, error) {
	switch cfg.Transport.Kind {
	case config.TransportTelegram:
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		ad, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, nil, err
		}
		return ad, ad.Transcoder(), nil
	case config.TransportOneBot, "":
		ocfg, err := mapOneBotConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		c := onebot.New(ocfg, log.With(logx.String("comp", "onebot")))
		// stored bundles are fetched back through the same connection
		tc := transcode.New(c, log.With(logx.String("comp", "transcode")))
		c.UseTranscoder(tc)
		return c, tc, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport kind: %s", cfg.Transport.Kind)
	}
}

// assemble builds the services around an already constructed transport and
// store (nil when storage is disabled).
func assemble(cfg *config.Config, tr transport.Transport, tc *transcode.Transcoder, store storage.Store, log logx.Logger) (*App, error) {
	if tr == nil {
		return nil, errors.New("app: transport is nil")
	}
	if tc == nil {
		tc = transcode.New(nil, log)
	}
	bcCfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		log:   log.With(logx.String("comp", "app")),
		bus:   eventbus.New(),
		store: store,
		tr:    tr,
		tc:    tc,
	}
	a.applyTargets(cfg)
	a.notifyOps.Store(cfg.Broadcast.NotifyOperator)

	var dir transport.Directory
	if d, ok := tr.(transport.Directory); ok {
		dir = d
	}
	a.bc = broadcast.New(bcCfg, broadcast.Deps{
		Transport:  tr,
		Directory:  dir,
		Flags:      targets.FlagsFunc(a.isBlocked),
		Transcoder: tc,
		Store:      store,
		Bus:        a.bus,
		Log:        log.With(logx.String("comp", "broadcast")),
	})
	a.sched = schedule.New(mapScheduleConfig(cfg), a.bc, log.With(logx.String("comp", "schedule")))
	return a, nil
}

func (a *App) applyTargets(cfg *config.Config) {
	f := storage.Flags{Store: a.store, Static: staticBlocked(cfg), Log: a.log}
	a.flags.Store(&f)
}

func (a *App) isBlocked(ctx context.Context, t transport.Target) bool {
	return a.flags.Load().IsBlocked(ctx, t)
}

func (a *App) Log() logx.Logger { return a.log }
func (a *App) Broadcast() *broadcast.Service { return a.bc }
func (a *App) Schedule() *schedule.Service { return a.sched }
func (a *App) Transport() transport.Transport { return a.tr }
func (a *App) Transcoder() *transcode.Transcoder { return a.tc }
func (a *App) Bus() eventbus.Bus { return a.bus }

// Config returns the committed config, or nil for an app built without a
// config file.
func (a *App) Config() *config.Config {
	if a.cfgm == nil {
		return nil
	}
	return a.cfgm.Get()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Connect starts the transport once and learns the bot's own id for
// authoring flattened bundles.
func (a *App) Connect(ctx context.Context) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.connected {
		return nil
	}
	if err := a.tr.Start(ctx); err != nil {
		return fmt.Errorf("%s: %w", a.tr.Name(), err)
	}
	a.connected = true
	if s, ok := a.tr.(interface{ SelfID() string }); ok {
		if id := s.SelfID(); id != "" {
			a.tc.SelfID = id
		}
	}
	a.log.Info("transport connected", logx.String("transport", a.tr.Name()), logx.String("self_id", a.tc.SelfID))
	return nil
}

// Start runs the daemon: transport, broadcast worker, scheduler, event
// consumers and the config watcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	if a.cfgm != nil {
		a.cfgm.SetValidator(a.validate)
	}

	if err := a.Connect(a.sup.Context()); err != nil {
		return err
	}
	if a.bc.Enabled() {
		a.bc.Start(a.sup.Context())
	} else {
		a.log.Warn("broadcasts disabled via config")
	}
	a.sched.Start(a.sup.Context())

	a.startEvents()
	if a.cfgm != nil {
		a.startReload()
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}
	a.startSystemd()

	a.log.Info("app started", logx.String("transport", a.tr.Name()))
	return nil
}

// validate rejects a reloaded config that the running services could not
// apply.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if err := schedule.Validate(mapScheduleConfig(cfg)); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	switch cfg.Transport.Kind {
	case config.TransportTelegram:
		_, err := mapTelegramConfig(cfg)
		return err
	default:
		_, err := mapOneBotConfig(cfg)
		return err
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		notifySystemd(a.log, sdStopping)
		// cancel first so background loops start unwinding immediately
		a.sup.Cancel()
	}

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// scheduler first so no new jobs are queued while the worker drains
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("broadcast", 3*time.Second, func(c context.Context) error { a.bc.Stop(c); return nil })
	step("transport", 2*time.Second, func(c context.Context) error {
		a.connMu.Lock()
		connected := a.connected
		a.connected = false
		a.connMu.Unlock()
		if !connected {
			return nil
		}
		return a.tr.Stop(c)
	})
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
