package config

import (
	"reflect"
	"sort"
	"strings"

	logx "groupcast/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the changed sections that only take effect after a restart.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	restart := make([]string, 0, 2)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway) {
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.Bool("gateway.url_changed", strings.TrimSpace(oldCfg.Gateway.BaseURL) != strings.TrimSpace(newCfg.Gateway.BaseURL)),
			logx.String("gateway.timeout", strings.TrimSpace(newCfg.Gateway.Timeout)),
			logx.Any("gateway.rate_per_sec", newCfg.Gateway.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Directory, newCfg.Directory) {
		changed = append(changed, "directory")
		attrs = append(attrs,
			logx.String("directory.source", strings.TrimSpace(newCfg.Directory.Source)),
			logx.String("directory.cache_ttl", strings.TrimSpace(newCfg.Directory.CacheTTL)),
			logx.String("directory.refresh_schedule", strings.TrimSpace(newCfg.Directory.RefreshSchedule)),
			logx.Int("directory.static_count", len(newCfg.Directory.Static)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs, logx.Int("dispatch.concurrency", newCfg.Dispatch.Concurrency))
		// Worker count and queue size are fixed when the service starts.
		if oldCfg.Dispatch.Workers != newCfg.Dispatch.Workers || oldCfg.Dispatch.QueueSize != newCfg.Dispatch.QueueSize {
			restart = append(restart, "dispatch")
		}
	}

	if !reflect.DeepEqual(oldCfg.Web, newCfg.Web) {
		changed = append(changed, "web")
		attrs = append(attrs,
			logx.String("web.addr", strings.TrimSpace(newCfg.Web.Addr)),
			logx.String("web.max_upload", strings.TrimSpace(newCfg.Web.MaxUpload)),
		)
		if strings.TrimSpace(oldCfg.Web.Addr) != strings.TrimSpace(newCfg.Web.Addr) ||
			oldCfg.Web.ReadTimeout != newCfg.Web.ReadTimeout ||
			oldCfg.Web.WriteTimeout != newCfg.Web.WriteTimeout ||
			oldCfg.Web.IdleTimeout != newCfg.Web.IdleTimeout ||
			oldCfg.Web.Pprof != newCfg.Web.Pprof {
			restart = append(restart, "web")
		}
	}

	// Telegram (never log token)
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.chat_set", newCfg.Telegram.ChatID != 0),
		)
		if strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) {
			restart = append(restart, "telegram")
		}
	}

	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newCfg.Notify.Enabled),
			logx.Bool("notify.only_failed", newCfg.Notify.OnlyFailed),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
