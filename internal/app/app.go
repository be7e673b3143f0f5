// Package app wires the commit watcher to its collaborators and owns the
// process lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gitlogbot/internal/config"
	"gitlogbot/internal/dispatch"
	"gitlogbot/internal/eventbus"
	"gitlogbot/internal/observability/pprof"
	"gitlogbot/internal/registry"
	"gitlogbot/internal/runtime/supervisor"
	"gitlogbot/internal/source"
	"gitlogbot/internal/storage"
	"gitlogbot/internal/transport"
	"gitlogbot/internal/transport/console"
	"gitlogbot/internal/transport/telegram"
	"gitlogbot/internal/watcher"
	logx "gitlogbot/pkg/logx"
	"gitlogbot/pkg/systemd"
)

type App struct {
	cfgm  *config.Manager
	sup   *supervisor.Supervisor
	ready *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.CursorStore
	chat  transport.Chat
	reg   *registry.Registry
	disp  *dispatch.Dispatcher
	loop  *watcher.Loop
	ctrl  *watcher.Controller
	debug *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	chatCfg, _ := mapChatConfig(cfg)
	chat, err := newChat(chatCfg, log)
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(chat)

	storeCfg, _ := mapStorageConfig(cfg)
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", storeCfg.Driver), logx.String("path", storeCfg.Path))

	warnIgnoredPollIntervals(appLog, cfg)

	reg, err := registry.New(registry.FromConfig(cfg)...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()
	srcCfg, _ := mapSourceConfig(cfg)
	src := source.NewGit(srcCfg, log.With(logx.String("comp", "source")))

	dispCfg, _ := mapDispatchConfig(cfg)
	disp := dispatch.New(dispCfg, chat, log.With(logx.String("comp", "dispatch")), bus)

	watchCfg, _ := mapWatcherConfig(cfg)
	loop := watcher.NewLoop(watchCfg, reg, src, store, disp, log, bus)

	a := &App{
		cfgm:  cfgm,
		log:   appLog,
		logs:  logSvc,
		bus:   bus,
		store: store,
		chat:  chat,
		reg:   reg,
		disp:  disp,
		loop:  loop,
		ctrl:  watcher.NewController(loop, log),
	}
	a.debug = pprof.New(mapDebugConfig(cfg), a.status, log)
	return a, nil
}

func warnIgnoredPollIntervals(log logx.Logger, cfg *config.Config) {
	if names := ignoredPollIntervals(cfg); len(names) > 0 {
		log.Warn("poll_interval_seconds is only used with watcher.mode=per_repo; ignoring",
			logx.Strings("repos", names))
	}
}

func newChat(cfg transport.Config, log logx.Logger) (transport.Chat, error) {
	switch cfg.Driver {
	case "telegram":
		c, err := telegram.New(cfg, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "console":
		return console.New(log, nil), nil
	default:
		return nil, fmt.Errorf("unknown chat driver %q", cfg.Driver)
	}
}

// Done is closed when the app context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings up the transport and schedules the watcher to start once the
// transport reports every channel synced.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	if err := a.chat.Start(a.sup.Context()); err != nil {
		return err
	}

	// Stop drains this hook before stopping the controller, so a late Ready
	// cannot start the watcher after shutdown began.
	a.ready = supervisor.New(a.sup.Context(), supervisor.WithLogger(a.log))
	a.ready.Go0("watcher.on_ready", func(c context.Context) {
		select {
		case <-c.Done():
			return
		case <-a.chat.Ready():
		}
		if c.Err() != nil {
			return
		}
		a.log.Info("chat ready; starting watcher", logx.Int("repos", a.reg.Len()))
		a.ctrl.Start(a.sup.Context())
		if _, err := systemd.Ready(); err != nil {
			a.log.Warn("sd_notify READY failed", logx.Err(err))
		}
		_, _ = systemd.Status(fmt.Sprintf("watching %d repositories", a.reg.Len()))
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog failed", logx.Err(err))
		}
	})

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
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if err := a.debug.Start(a.sup.Context()); err != nil {
		a.log.Warn("debug server not started", logx.Err(err))
	}

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// applyConfig pushes a validated reload into the running components. Chat
// and storage drivers are fixed for the process lifetime.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, fields := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}
	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed["chat"] {
		a.log.Warn("chat config changed; restart required for changes to take effect")
	}

	if changed["logging"] {
		a.logs.Apply(mapLogConfig(next))
	}
	if changed["dispatch"] {
		if dc, err := mapDispatchConfig(next); err == nil {
			a.disp.Apply(dc)
		}
	}
	if changed["debug"] {
		if err := a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(next)); err != nil {
			a.log.Warn("debug server reconfigure failed", logx.Err(err))
		}
	}
	if changed["watcher"] || changed["source"] {
		if wc, err := mapWatcherConfig(next); err == nil {
			a.loop.Apply(wc)
		}
	}
	if changed["watcher"] || changed["repositories"] {
		warnIgnoredPollIntervals(a.log, next)
	}
	if changed["repositories"] || changed["logging"] {
		if err := a.reg.Replace(registry.FromConfig(next)); err != nil {
			a.log.Warn("repository set rejected; keeping previous", logx.Err(err))
		}
		if cs, ok := a.chat.(interface{ SetChannels([]string) }); ok {
			cs.SetChannels(chatChannels(next))
		}
	}

	fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts down in dependency order: the watcher first so nothing is
// announced on a closing transport, then the transport, then storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify STOPPING failed", logx.Err(err))
	}

	a.step(ctx, "watcher", 10*time.Second, a.stopWatcher)
	a.step(ctx, "debug", time.Second, a.debug.Stop)
	a.sup.Cancel()
	a.step(ctx, "chat", 3*time.Second, a.chat.Stop)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

// stopWatcher cancels the pending ready hook and waits for it before
// stopping the controller it may have started.
func (a *App) stopWatcher(ctx context.Context) error {
	if a.ready != nil {
		if err := a.ready.Stop(ctx); err != nil {
			return err
		}
	}
	return a.ctrl.Stop(ctx)
}

// step runs one shutdown step bounded by limit so a stuck component cannot
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
