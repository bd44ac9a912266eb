package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"groupcast/internal/directory"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		// Report json names ("gateway.base_url") rather than Go field names.
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		validate = v
	})
	return validate
}

// Validate checks struct tags and every field that is parsed lazily
// (durations, sizes, cron specs, time zones). It returns all problems joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	var errs []error
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q", trimNamespace(fe.Namespace()), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	durations := []struct{ path, raw string }{
		{"gateway.timeout", cfg.Gateway.Timeout},
		{"directory.cache_ttl", cfg.Directory.CacheTTL},
		{"directory.fetch_timeout", cfg.Directory.FetchTimeout},
		{"dispatch.history_ttl", cfg.Dispatch.HistoryTTL},
		{"web.read_timeout", cfg.Web.ReadTimeout},
		{"web.write_timeout", cfg.Web.WriteTimeout},
		{"web.idle_timeout", cfg.Web.IdleTimeout},
		{"telegram.timeout", cfg.Telegram.Timeout},
	}
	if cfg.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if addr := strings.TrimSpace(cfg.Web.Addr); addr != "" {
		// port 0 is accepted: the kernel picks one
		if _, port, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("web.addr: %w", err))
		} else if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
			errs = append(errs, fmt.Errorf("web.addr: invalid port %q", port))
		}
	}

	if _, err := ParseBytesOrDefault("web.max_upload", cfg.Web.MaxUpload, 0); err != nil {
		errs = append(errs, err)
	}

	if spec := strings.TrimSpace(cfg.Directory.RefreshSchedule); spec != "" {
		if _, err := directory.ScheduleParser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("directory.refresh_schedule: %w", err))
		}
	}
	if tz := strings.TrimSpace(cfg.Directory.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("directory.timezone: %w", err))
		}
	}

	if st := cfg.Storage; st != nil {
		d := strings.ToLower(strings.TrimSpace(st.Driver))
		if d != "" && d != "none" && strings.TrimSpace(st.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for driver %q", d))
		}
	}

	if cfg.Notify.Enabled && cfg.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("notify.enabled requires telegram.chat_id"))
	}
	if cfg.Logging.Telegram.Enabled && cfg.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("logging.telegram.enabled requires telegram.chat_id"))
	}

	return errors.Join(errs...)
}

// trimNamespace drops the root struct name ("Config.gateway.base_url" -> "gateway.base_url").
func trimNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
