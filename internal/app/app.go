// Package app wires configuration, the recipient directory, the gateway client, the dispatch
// service and the operator surfaces into one process.
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"groupcast/internal/config"
	"groupcast/internal/directory"
	"groupcast/internal/dispatch"
	"groupcast/internal/eventbus"
	"groupcast/internal/gateway"
	"groupcast/internal/notify"
	"groupcast/internal/runtime/supervisor"
	"groupcast/internal/storage"
	kit "groupcast/internal/transport"
	"groupcast/internal/transport/telegram"
	"groupcast/internal/web"
	logx "groupcast/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	store  storage.Store
	sender kit.Sender

	cache     *directory.Cache
	refresher *directory.Refresher
	gw        *gateway.Client
	disp      *dispatch.Dispatcher
	runs      *dispatch.Service
	notif     *notify.Service
	web       *web.Server

	addrMu sync.Mutex
	addr   string
}

// New loads cfgPath and builds every component. Nothing is started.
// A sheets directory without its credentials file fails with directory.ErrCredentialsMissing.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var sender kit.Sender
	if tok := strings.TrimSpace(cfg.Telegram.Token); tok != "" {
		bootLog := logx.NewConsole("info").With(logx.String("comp", "telegram"))
		timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		// outbound only: no getMe round trip at boot
		ad, err := telegram.New(telegram.Config{Token: tok, Timeout: timeout, Offline: true}, bootLog)
		if err != nil {
			return nil, err
		}
		sender = ad
	}

	// Bootstrap with the Telegram sink off, set the target, then apply the real config
	// so Apply does not warn about a missing target.
	logCfg := mapLogging(cfg)
	boot := logCfg
	boot.Telegram.Enabled = false
	logSvc, log := logx.New(boot, sender)
	logSvc.SetTelegramTarget(logTarget(cfg))
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, sender: sender, bus: eventbus.New()}
	if err := a.build(cfg); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	log := a.logs.Logger()

	if sc, enabled, err := mapStorage(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	src, err := mapSource(context.Background(), cfg)
	if err != nil {
		return err
	}
	cs, err := mapCache(cfg)
	if err != nil {
		return err
	}
	a.cache = directory.NewCache(src, directory.CacheOptions{
		TTL:          cs.ttl,
		FetchTimeout: cs.fetchTimeout,
		Store:        a.store,
		Log:          log.With(logx.String("comp", "directory")),
	})
	a.refresher = directory.NewRefresher(a.cache, log.With(logx.String("comp", "refresher")))

	gwCfg, err := mapGateway(cfg)
	if err != nil {
		return err
	}
	if a.gw, err = gateway.New(gwCfg, log.With(logx.String("comp", "gateway"))); err != nil {
		return err
	}

	a.disp = dispatch.NewDispatcher(a.cache, a.gw, log.With(logx.String("comp", "dispatch")))
	a.disp.SetConcurrency(cfg.Dispatch.Concurrency)

	dc, err := mapDispatch(cfg)
	if err != nil {
		return err
	}
	a.runs = dispatch.NewService(a.disp, dc, a.bus, log.With(logx.String("comp", "runs")))

	a.notif = notify.New(mapNotify(cfg), a.sender, a.bus, log.With(logx.String("comp", "notify")))

	wc, err := mapWeb(cfg)
	if err != nil {
		return err
	}
	a.web, err = web.New(wc, a.runs, a.cache, log.With(logx.String("comp", "web")))
	return err
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// WebAddr is the bound listener address, empty until the web server is up.
func (a *App) WebAddr() string {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// Send runs one broadcast synchronously, bypassing the run queue.
func (a *App) Send(ctx context.Context, req dispatch.Request, observe dispatch.Observer) (dispatch.Outcome, error) {
	return a.disp.Run(ctx, req, observe)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	// transactional config reload: mapping errors reject the file before commit/publish
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapGateway(cfg); err != nil {
			return err
		}
		if _, err := mapCache(cfg); err != nil {
			return err
		}
		if _, err := mapDispatch(cfg); err != nil {
			return err
		}
		if _, err := mapWeb(cfg); err != nil {
			return err
		}
		_, _, err := mapStorage(cfg)
		return err
	})

	cfg := a.cfgm.Get()
	cs, err := mapCache(cfg)
	if err != nil {
		return err
	}
	if err := a.refresher.Start(run, cs.schedule, cs.loc); err != nil {
		return err
	}
	a.runs.Start(run)

	a.sup.Go("notify", a.notif.Run)
	a.sup.Go("web", func(c context.Context) error {
		return a.web.Serve(c, a.onReady)
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Int("workers", dispatchWorkers(cfg)))
	return nil
}

func (a *App) onReady(addr string) {
	a.addrMu.Lock()
	a.addr = addr
	a.addrMu.Unlock()
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
}

func dispatchWorkers(cfg *config.Config) int {
	if cfg.Dispatch.Workers <= 0 {
		return 1
	}
	return cfg.Dispatch.Workers
}
