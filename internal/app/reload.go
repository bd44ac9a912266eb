package app

import (
	"context"
	"slices"
	"strings"

	"groupcast/internal/config"
	logx "groupcast/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig hot-applies every section that supports it. Sections reported as
// restart-only by config.SummarizeChange are logged and left untouched.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	// update log target first so Apply does not warn when Telegram logging is enabled
	a.logs.SetTelegramTarget(logTarget(newCfg))
	a.logs.Apply(mapLogging(newCfg))

	if gc, err := mapGateway(newCfg); err != nil {
		a.log.Warn("invalid gateway config; keeping previous", logx.Err(err))
	} else if err := a.gw.Apply(gc); err != nil {
		a.log.Warn("gateway config rejected; keeping previous", logx.Err(err))
	}

	if cs, err := mapCache(newCfg); err != nil {
		a.log.Warn("invalid directory config; keeping previous", logx.Err(err))
	} else {
		a.cache.SetTTL(cs.ttl, cs.fetchTimeout)
		if err := a.refresher.Apply(cs.schedule, cs.loc); err != nil {
			a.log.Warn("refresh schedule rejected", logx.String("schedule", cs.schedule), logx.Err(err))
		}
	}
	if sourceChanged(oldCfg, newCfg) {
		if src, err := mapSource(ctx, newCfg); err != nil {
			a.log.Warn("directory source not switched", logx.Err(err))
		} else {
			a.cache.SetSource(src)
			a.log.Info("directory source switched", logx.String("source", newCfg.Directory.Source))
		}
	}

	a.disp.SetConcurrency(newCfg.Dispatch.Concurrency)
	if dc, err := mapDispatch(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.runs.ApplyHistory(dc.HistorySize, dc.HistoryTTL)
	}

	if wc, err := mapWeb(newCfg); err == nil {
		a.web.SetMaxUpload(wc.MaxUpload)
	}

	a.notif.Apply(mapNotify(newCfg))

	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strs("sections", restart))
	}
	a.log.Info("config reloaded", fields...)
}

func sourceChanged(oldCfg, newCfg *config.Config) bool {
	o, n := oldCfg.Directory, newCfg.Directory
	return o.Source != n.Source ||
		o.CredentialsFile != n.CredentialsFile ||
		o.Spreadsheet != n.Spreadsheet ||
		o.Worksheet != n.Worksheet ||
		o.Column != n.Column ||
		!slices.Equal(o.Static, n.Static)
}
