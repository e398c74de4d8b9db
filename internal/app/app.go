// Package app wires the republishing pipeline together: configuration,
// storage, the scheduler, the publisher pool and the operator inbox.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"repub/internal/captcha"
	"repub/internal/config"
	"repub/internal/eventbus"
	"repub/internal/inbox"
	"repub/internal/publisher"
	"repub/internal/queue"
	"repub/internal/runtime/supervisor"
	"repub/internal/scheduler"
	"repub/internal/session"
	"repub/internal/site"
	"repub/internal/store"
	logx "repub/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	st       store.Store
	q        *queue.Queue
	sessions *session.Cache
	client   *site.Wanuncios
	solvers  *captcha.Selector
	box      *inbox.Inbox
	tg       *inbox.Telegram

	sched *scheduler.Service
	pub   *publisher.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	siteCfg, err := mapSiteConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := site.NewWanuncios(siteCfg, log.With(logx.String("comp", "site")))
	if err != nil {
		return nil, err
	}

	sessionTTL, err := config.ParseDurationOrDefault("session.ttl", cfg.Session.TTL, 20*time.Minute)
	if err != nil {
		return nil, err
	}
	sessions := session.New(sessionTTL, log.With(logx.String("comp", "session")))

	box := inbox.New(log.With(logx.String("comp", "inbox")))
	q := queue.New(cfg.Publisher.QueueSize)
	// A human answer should not wait out the recheck gate.
	box.OnResolve(func(ch captcha.Challenge) { q.Wake(ch.ScheduleID) })

	solvers, err := buildSolvers(cfg, box, log)
	if err != nil {
		return nil, err
	}

	var tg *inbox.Telegram
	if cfg.Inbox.Telegram.Enabled {
		tg, err = inbox.NewTelegram(inbox.TelegramConfig{
			Token:  cfg.Inbox.Telegram.Token,
			ChatID: cfg.Inbox.Telegram.ChatID,
		}, box, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, st, q, bus, log.With(logx.String("comp", "scheduler")))

	pubCfg, err := mapPublisherConfig(cfg)
	if err != nil {
		return nil, err
	}
	pub := publisher.New(pubCfg, st, q, client, sessions, solvers, box, bus,
		sched.Location, log.With(logx.String("comp", "publisher")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		st:       st,
		q:        q,
		sessions: sessions,
		client:   client,
		solvers:  solvers,
		box:      box,
		tg:       tg,
		sched:    sched,
		pub:      pub,
	}, nil
}

func buildSolvers(cfg *config.Config, box *inbox.Inbox, log logx.Logger) (*captcha.Selector, error) {
	var api captcha.Solver
	if strings.TrimSpace(cfg.Captcha.API.Key) != "" {
		pollInterval, err := config.ParseDurationOrDefault("captcha.api.poll_interval", cfg.Captcha.API.PollInterval, 5*time.Second)
		if err != nil {
			return nil, err
		}
		apiTimeout, err := config.ParseDurationOrDefault("captcha.api.timeout", cfg.Captcha.API.Timeout, 2*time.Minute)
		if err != nil {
			return nil, err
		}
		api, err = captcha.NewAPI(captcha.APIConfig{
			Key:          cfg.Captcha.API.Key,
			BaseURL:      cfg.Captcha.API.BaseURL,
			PollInterval: pollInterval,
			Timeout:      apiTimeout,
		}, nil, log.With(logx.String("comp", "captcha.api")))
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn("no captcha api key configured; accounts using the api method will pause")
	}
	manual := captcha.NewManual(box, log.With(logx.String("comp", "captcha.manual")))
	return captcha.NewSelector(api, manual, nil), nil
}

func mapSiteConfig(cfg *config.Config) (site.Config, error) {
	timeout, err := config.ParseDurationOrDefault("site.timeout", cfg.Site.Timeout, 30*time.Second)
	if err != nil {
		return site.Config{}, err
	}
	return site.Config{
		BaseURL:       cfg.Site.BaseURL,
		LoginPath:     cfg.Site.LoginPath,
		PublishPath:   cfg.Site.PublishPath,
		Timeout:       timeout,
		RatePerMinute: cfg.Site.RatePerMinute,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, 15*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      cfg.Scheduler.Enabled,
		TickInterval: tick,
		BatchLimit:   cfg.Scheduler.BatchLimit,
		Timezone:     cfg.Scheduler.Timezone,
	}, nil
}

func mapPublisherConfig(cfg *config.Config) (publisher.Config, error) {
	retryBase, err := config.ParseDurationOrDefault("publisher.retry_base", cfg.Publisher.RetryBase, 30*time.Second)
	if err != nil {
		return publisher.Config{}, err
	}
	retryMax, err := config.ParseDurationOrDefault("publisher.retry_max_delay", cfg.Publisher.RetryMaxDelay, 15*time.Minute)
	if err != nil {
		return publisher.Config{}, err
	}
	publishTimeout, err := config.ParseDurationOrDefault("publisher.publish_timeout", cfg.Publisher.PublishTimeout, 3*time.Minute)
	if err != nil {
		return publisher.Config{}, err
	}
	manualTimeout, err := config.ParseDurationOrDefault("captcha.manual.timeout", cfg.Captcha.Manual.Timeout, 30*time.Minute)
	if err != nil {
		return publisher.Config{}, err
	}
	manualRecheck, err := config.ParseDurationOrDefault("captcha.manual.recheck", cfg.Captcha.Manual.Recheck, 30*time.Second)
	if err != nil {
		return publisher.Config{}, err
	}
	return publisher.Config{
		Workers:        cfg.Publisher.Workers,
		MaxAttempts:    cfg.Publisher.MaxAttempts,
		RetryBase:      retryBase,
		RetryMaxDelay:  retryMax,
		RetryJitter:    cfg.Publisher.RetryJitter,
		PauseThreshold: cfg.Publisher.PauseThreshold,
		PublishTimeout: publishTimeout,
		ManualTimeout:  manualTimeout,
		ManualRecheck:  manualRecheck,
	}, nil
}

// Done is closed when the app supervisor context is cancelled.
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
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		if _, err := mapPublisherConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSiteConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if a.tg != nil {
		a.tg.Start(a.sup.Context())
	}

	a.pub.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	a.startEventLog()
	a.startReloadLoop()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// startEventLog drains the bus for observability and forwards operator
// facing outcomes to Telegram when it is configured.
func (a *App) startEventLog() {
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				if a.tg == nil {
					continue
				}
				if oe, ok := e.Data.(eventbus.OutcomeEvent); ok {
					switch e.Type {
					case eventbus.TypeSchedulePaused:
						a.tg.Announce(fmt.Sprintf(
							"Schedule %s paused after repeated failures.\nReactivate it once the cause is fixed.", oe.ScheduleID))
					case eventbus.TypeAccountDisabled:
						a.tg.Announce(fmt.Sprintf(
							"Account %s was disabled: %s", oe.AccountID, oe.Error))
					}
				}
			}
		}
	})
}

func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
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
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}
				lastApplied = newCfg
				a.applyReload(newCfg, sections)
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

func (a *App) applyReload(cfg *config.Config, sections []string) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "site":
			// The client keeps its base URL for this process lifetime, but
			// stale sessions against the old settings are worthless.
			a.sessions.Purge()
			a.log.Warn("site config changed; sessions purged, restart required for URL changes")
		case "session":
			if ttl, err := config.ParseDurationOrDefault("session.ttl", cfg.Session.TTL, 20*time.Minute); err == nil {
				a.sessions.SetTTL(ttl)
			} else {
				a.log.Warn("invalid session.ttl; keeping previous", logx.Err(err))
			}
		case "inbox", "captcha":
			a.log.Warn("inbox/captcha config changed; restart required for changes to take effect")
		}
	}

	if schedCfg, err := mapSchedulerConfig(cfg); err == nil {
		a.sched.Apply(schedCfg)
	} else {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	}

	if pubCfg, err := mapPublisherConfig(cfg); err == nil {
		a.pub.Apply(pubCfg)
	} else {
		a.log.Warn("invalid publisher config; keeping previous", logx.Err(err))
	}
}

// Stop unwinds the pipeline: triggering stops first so no new jobs appear,
// then the workers drain, then everything else.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		fn(stepCtx)
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 3*time.Second, func(c context.Context) { a.sched.Stop(c) })
	step("publisher", 10*time.Second, func(c context.Context) { a.pub.Stop(c) })
	if a.tg != nil {
		step("telegram", 3*time.Second, func(c context.Context) { a.tg.Stop(c) })
	}
	step("supervisor", 3*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })

	if err := a.st.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	if err := a.logs.Close(); err != nil {
		return err
	}
	a.log.Info("stopped")
	return nil
}
