// Package app wires configuration, logging, storage, the pixiv client,
// the notifier, the scheduler and the status server into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"pixiwatch/internal/config"
	"pixiwatch/internal/notifier"
	"pixiwatch/internal/pixiv"
	"pixiwatch/internal/runtime/supervisor"
	"pixiwatch/internal/services/scheduler"
	"pixiwatch/internal/services/statusd"
	"pixiwatch/internal/status"
	"pixiwatch/internal/storage"
	"pixiwatch/internal/watch"
	logx "pixiwatch/pkg/logx"
)

const defaultHistorySize = 20

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store  *status.Store
	db     storage.Store // nil when storage disabled
	sched  *scheduler.Service
	statd  *statusd.Service
	watch  *watch.Watcher
	notify notifier.Notifier
}

// New loads the config at path and builds every component. Nothing is
// started yet; the caller picks RunOnce or RunLoop.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	db, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: config.MustDuration(cfg.Storage.BusyTimeout, 0),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	client := pixiv.NewClient(pixiv.Config{
		BaseURL:   cfg.Pixiv.BaseURL,
		Session:   cfg.Pixiv.Session,
		UserAgent: cfg.Pixiv.UserAgent,
		Timeout:   config.MustDuration(cfg.Pixiv.Timeout, 0),
	}, log.With(logx.String("comp", "pixiv")))

	ntf, err := notifier.New(cfg.Notify, client, log.With(logx.String("comp", "notify")))
	if err != nil {
		closeQuiet(db)
		_ = logSvc.Close()
		return nil, fmt.Errorf("build notifier: %w", err)
	}

	watcher := watch.New(watch.Config{
		Source:       cfg.Pixiv.Source,
		RankingMode:  cfg.Pixiv.RankingMode,
		Limit:        cfg.Pixiv.Limit,
		MinBookmarks: cfg.Pixiv.MinBookmarks,
		AllowR18:     cfg.Pixiv.AllowR18,
		SeenTTL:      config.MustDuration(cfg.Storage.SeenTTL, 0),
	}, client, ntf, db, log.With(logx.String("comp", "watch")))

	keep := cfg.Schedule.HistorySize
	if keep <= 0 {
		keep = defaultHistorySize
	}
	store := status.NewStore(keep)

	sched, err := scheduler.New(schedulerConfig(cfg), watcher, store, log.With(logx.String("comp", "scheduler")))
	if err != nil {
		_ = ntf.Close()
		closeQuiet(db)
		_ = logSvc.Close()
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	a := &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		store:  store,
		db:     db,
		sched:  sched,
		watch:  watcher,
		notify: ntf,
	}
	sched.SetRunHook(a.recordRun)

	statd := statusd.New(statusd.Config{
		Enabled:       cfg.Status.EnabledOrDefault(),
		Addr:          cfg.Status.Addr,
		Token:         cfg.Status.Token,
		AllowInsecure: cfg.Status.AllowInsecure,
		Pprof:         cfg.Status.Pprof,
		ReadTimeout:   config.MustDuration(cfg.Status.ReadTimeout, 5*time.Second),
		WriteTimeout:  config.MustDuration(cfg.Status.WriteTimeout, 30*time.Second),
		IdleTimeout:   config.MustDuration(cfg.Status.IdleTimeout, time.Minute),
	}, store, log.With(logx.String("comp", "statusd")))
	if db != nil {
		statd.SetRunSource(db)
	}
	a.statd = statd

	return a, nil
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Spec:        cfg.Schedule.Spec,
		Timezone:    cfg.Schedule.Timezone,
		RunTimeout:  config.MustDuration(cfg.Schedule.RunTimeout, 0),
		GracePeriod: config.MustDuration(cfg.Schedule.GracePeriod, 0),
	}
}

// recordRun persists one finished invocation to storage.
func (a *App) recordRun(ctx context.Context, inv status.Invocation) {
	if a.db == nil {
		return
	}
	counts := a.watch.LastCounts()
	e := storage.RunEntry{
		ID:        inv.ID,
		Trigger:   string(inv.Trigger),
		StartedAt: inv.StartedAt,
		EndedAt:   inv.EndedAt,
		Outcome:   string(inv.Outcome),
		Error:     inv.Error,
		Fetched:   counts.Fetched,
		Pushed:    counts.Pushed,
		TookMS:    inv.Duration.Milliseconds(),
	}
	if err := a.db.AppendRun(ctx, e); err != nil {
		a.log.Warn("run history write failed", logx.String("id", inv.ID), logx.Err(err))
	}
}

// RunOnce is immediate mode: one invocation, no status server, no loop.
func (a *App) RunOnce(ctx context.Context) status.Invocation {
	defer a.close()
	return a.sched.RunOnce(ctx)
}

// RunLoop is loop mode. The status server, the config watcher and the
// systemd watchdog run as supervised background units; the scheduler loop
// holds the foreground until ctx is cancelled or the loop faults.
func (a *App) RunLoop(ctx context.Context) error {
	defer a.close()

	sup := supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))
	a.statd.SetStatsSource(func() any { return sup.Stats() })

	if err := a.statd.Start(sup.Context()); err != nil {
		sup.Cancel()
		return fmt.Errorf("start statusd: %w", err)
	}

	sup.GoRestart("config.watch", a.cfgMgr.Watch)
	a.watchConfig(sup)
	a.notifySystemd(sup)

	// Foreground: the scheduling loop owns the container's lifetime.
	err := a.sched.Run(sup.Context())

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.statd.Stop(stopCtx)
	if serr := sup.Stop(stopCtx); serr != nil && err == nil && !errors.Is(serr, context.DeadlineExceeded) {
		err = serr
	}
	return err
}

// watchConfig applies hot-reloadable sections (logging, schedule) when
// the file changes. Other sections need a restart.
func (a *App) watchConfig(sup *supervisor.Supervisor) {
	ch := a.cfgMgr.Subscribe(1)
	sup.Go("config.apply", func(ctx context.Context) error {
		defer a.cfgMgr.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg, ok := <-ch:
				if !ok {
					return nil
				}
				a.logSvc.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.ConsoleEnabled(),
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				if err := a.sched.Apply(schedulerConfig(cfg)); err != nil {
					a.log.Warn("schedule update rejected", logx.Err(err))
				}
			}
		}
	})
}

// notifySystemd reports readiness and keeps the watchdog fed when the
// process runs under systemd; it is a no-op elsewhere.
func (a *App) notifySystemd(sup *supervisor.Supervisor) {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	sup.Go("systemd.watchdog", func(ctx context.Context) error {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) close() {
	if a.notify != nil {
		_ = a.notify.Close()
	}
	closeQuiet(a.db)
	_ = a.logSvc.Close()
}

func closeQuiet(db storage.Store) {
	if db != nil {
		_ = db.Close()
	}
}
