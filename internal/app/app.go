// Package app wires the daemon together: config, logging, the job store,
// the media store, the Graph API publisher, the dispatcher, and the manager
// facade the surrounding application talks to.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/dispatch"
	"postpilot/internal/manager"
	"postpilot/internal/media"
	"postpilot/internal/publisher"
	"postpilot/internal/store"
	logx "postpilot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	st      store.Store
	mediaSt *media.Store
	mediaSv *media.Server
	pub     *publisher.GraphClient
	disp    *dispatch.Service
	mgr     *manager.Manager

	watchWG sync.WaitGroup
	watchC  chan *config.Config
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logSvc.Logger().With(logx.String("comp", "config")))
	cfgm.SetValidator(validateConfig)

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busy},
		logSvc.Logger().With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	mediaSt, err := media.NewStore(media.Config{
		Root:          cfg.Media.Root,
		PublicBaseURL: cfg.Media.PublicBaseURL,
		MaxSizeBytes:  int64(cfg.Media.MaxFileSizeMB) << 20,
		Formats:       cfg.Media.AllowedFormats,
	}, logSvc.Logger().With(logx.String("comp", "media")))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	mediaSv := media.NewServer(mediaSt, cfg.Media.Listen,
		logSvc.Logger().With(logx.String("comp", "media-server")))

	creds, err := config.LoadCredentials(cfg.Publisher.EnvFile)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if !creds.Complete() {
		log.Warn("publisher credentials incomplete; firings will fail until configured")
	}
	pollSt, err := config.ParseDurationField("publisher.status_poll_interval", cfg.Publisher.StatusPollInterval)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	pub := publisher.NewGraphClient(publisher.GraphConfig{
		BaseURL:            cfg.Publisher.GraphBaseURL,
		StatusPollInterval: pollSt,
		PublishPerHour:     cfg.Publisher.PublishPerHour,
	}, creds, mediaSt, logSvc.Logger().With(logx.String("comp", "publisher")))

	dispCfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	disp := dispatch.New(dispCfg, st, pub, mediaSt,
		logSvc.Logger().With(logx.String("comp", "dispatch")))

	mgr := manager.New(st, disp, logSvc.Logger().With(logx.String("comp", "manager")))

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		st:      st,
		mediaSt: mediaSt,
		mediaSv: mediaSv,
		pub:     pub,
		disp:    disp,
		mgr:     mgr,
	}, nil
}

// Manager exposes the job facade to the surrounding application.
func (a *App) Manager() *manager.Manager { return a.mgr }

// Publisher exposes the analytics surface (insights, quotas).
func (a *App) Publisher() *publisher.GraphClient { return a.pub }

// Media exposes the upload store.
func (a *App) Media() *media.Store { return a.mediaSt }

func (a *App) Start(ctx context.Context) error {
	if err := a.mediaSv.Start(); err != nil {
		return err
	}
	if err := a.disp.Start(ctx); err != nil {
		return err
	}

	// Hot reload: the watcher republishes validated configs; we re-apply the
	// pieces that can change at runtime.
	a.watchC = a.cfgm.Subscribe(1)
	a.watchWG.Add(2)
	go func() {
		defer a.watchWG.Done()
		_ = a.cfgm.Watch(ctx)
	}()
	go func() {
		defer a.watchWG.Done()
		for cfg := range a.watchC {
			a.applyConfig(ctx, cfg)
		}
	}()

	a.log.Info("started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	// The watcher only publishes configs that passed validateConfig, so a
	// parse failure here means a bug, not bad user input.
	dispCfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		a.log.Error("validated config failed to map", logx.Err(err))
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.disp.Apply(ctx, dispCfg)
	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	a.disp.Stop(ctx)
	_ = a.mediaSv.Stop(ctx)
	a.cfgm.Unsubscribe(a.watchC)
	a.watchC = nil

	done := make(chan struct{})
	go func() {
		a.watchWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	err := a.st.Close()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

// validateConfig is the pre-commit gate for reloaded config files: anything
// it rejects is never published to subscribers, so a bad edit leaves the
// running configuration untouched.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("publisher.status_poll_interval", cfg.Publisher.StatusPollInterval); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	return nil
}

func mapDispatcherConfig(cfg *config.Config) (dispatch.Config, error) {
	poll, err := config.ParseDurationOrDefault("dispatcher.poll_interval", cfg.Dispatcher.PollInterval, 15*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	pubTO, err := config.ParseDurationOrDefault("dispatcher.publish_timeout", cfg.Dispatcher.PublishTimeout, 5*time.Minute)
	if err != nil {
		return dispatch.Config{}, err
	}
	stuck, err := config.ParseDurationOrDefault("dispatcher.stuck_after", cfg.Dispatcher.StuckAfter, 30*time.Minute)
	if err != nil {
		return dispatch.Config{}, err
	}
	retry, err := config.ParseDurationOrDefault("dispatcher.retry_delay", cfg.Dispatcher.RetryDelay, 2*time.Minute)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		PollInterval:   poll,
		PublishTimeout: pubTO,
		StuckAfter:     stuck,
		MaxAttempts:    cfg.Dispatcher.MaxAttempts,
		RetryDelay:     retry,
		Timezone:       cfg.Timezone,
		CleanupMedia:   cfg.Media.CleanupAfterPost,
	}, nil
}
