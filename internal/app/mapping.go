package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"groupcast/internal/config"
	"groupcast/internal/directory"
	"groupcast/internal/dispatch"
	"groupcast/internal/gateway"
	"groupcast/internal/notify"
	"groupcast/internal/storage"
	kit "groupcast/internal/transport"
	"groupcast/internal/web"
	logx "groupcast/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget is the operator chat for forwarded log records. The logging thread wins over the chat default.
func logTarget(cfg *config.Config) kit.ChatTarget {
	thread := cfg.Logging.Telegram.ThreadID
	if thread == 0 {
		thread = cfg.Telegram.ThreadID
	}
	return kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: thread}
}

func mapGateway(cfg *config.Config) (gateway.Config, error) {
	timeout, err := config.ParseDurationOrDefault("gateway.timeout", cfg.Gateway.Timeout, gateway.DefaultTimeout)
	if err != nil {
		return gateway.Config{}, err
	}
	return gateway.Config{
		BaseURL:      cfg.Gateway.BaseURL,
		Timeout:      timeout,
		RatePerSec:   cfg.Gateway.RatePerSec,
		Burst:        cfg.Gateway.Burst,
		MaxErrorBody: cfg.Gateway.MaxErrorBody,
	}, nil
}

// mapSource builds the recipient source. A sheets source requires the credentials file to exist.
func mapSource(ctx context.Context, cfg *config.Config) (directory.Source, error) {
	d := cfg.Directory
	switch strings.ToLower(strings.TrimSpace(d.Source)) {
	case "static":
		return directory.NewStatic(d.Static), nil
	case "", "sheets":
		if err := directory.CheckCredentials(d.CredentialsFile); err != nil {
			return nil, err
		}
		return directory.NewSheets(ctx, directory.SheetsConfig{
			CredentialsFile: d.CredentialsFile,
			Spreadsheet:     d.Spreadsheet,
			Worksheet:       d.Worksheet,
			Column:          d.Column,
		})
	default:
		return nil, fmt.Errorf("unknown directory.source: %s", d.Source)
	}
}

type cacheSettings struct {
	ttl          time.Duration
	fetchTimeout time.Duration
	schedule     string
	loc          *time.Location
}

func mapCache(cfg *config.Config) (cacheSettings, error) {
	d := cfg.Directory
	ttl, err := config.ParseDurationAllowZero("directory.cache_ttl", d.CacheTTL, directory.DefaultCacheTTL)
	if err != nil {
		return cacheSettings{}, err
	}
	fetch, err := config.ParseDurationOrDefault("directory.fetch_timeout", d.FetchTimeout, 30*time.Second)
	if err != nil {
		return cacheSettings{}, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(d.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return cacheSettings{}, fmt.Errorf("directory.timezone: invalid %q: %w", tz, err)
		}
	}
	return cacheSettings{ttl: ttl, fetchTimeout: fetch, schedule: strings.TrimSpace(d.RefreshSchedule), loc: loc}, nil
}

func mapDispatch(cfg *config.Config) (dispatch.ServiceConfig, error) {
	ttl, err := config.ParseDurationOrDefault("dispatch.history_ttl", cfg.Dispatch.HistoryTTL, 24*time.Hour)
	if err != nil {
		return dispatch.ServiceConfig{}, err
	}
	return dispatch.ServiceConfig{
		Workers:     cfg.Dispatch.Workers,
		QueueSize:   cfg.Dispatch.QueueSize,
		HistorySize: cfg.Dispatch.HistorySize,
		HistoryTTL:  ttl,
	}, nil
}

func mapWeb(cfg *config.Config) (web.Config, error) {
	w := cfg.Web
	maxUpload, err := config.ParseBytesOrDefault("web.max_upload", w.MaxUpload, web.DefaultMaxUpload)
	if err != nil {
		return web.Config{}, err
	}
	read, err := config.ParseDurationOrDefault("web.read_timeout", w.ReadTimeout, 2*time.Minute)
	if err != nil {
		return web.Config{}, err
	}
	// 0 keeps responses unbounded; uploads of large media can be slow.
	write, err := config.ParseDurationAllowZero("web.write_timeout", w.WriteTimeout, 0)
	if err != nil {
		return web.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("web.idle_timeout", w.IdleTimeout, 2*time.Minute)
	if err != nil {
		return web.Config{}, err
	}
	return web.Config{Addr: w.Addr, MaxUpload: maxUpload, ReadTimeout: read, WriteTimeout: write, IdleTimeout: idle, Pprof: w.Pprof}, nil
}

func mapNotify(cfg *config.Config) notify.Config {
	return notify.Config{
		Enabled:    cfg.Notify.Enabled,
		OnlyFailed: cfg.Notify.OnlyFailed,
		Target:     kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID},
		RatePerSec: cfg.Notify.RatePerSec,
	}
}

func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	switch driver {
	case "file":
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
