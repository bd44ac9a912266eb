package directory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "groupcast/pkg/logx"
)

// ScheduleParser accepts 5-field and 6-field (with seconds) specs plus descriptors like "@every 10m".
var ScheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Refresher re-fetches the recipient list on a cron schedule so a send rarely waits on the sheet.
type Refresher struct {
	cache   *Cache
	log     logx.Logger
	timeout time.Duration

	mu   sync.Mutex
	ctx  context.Context
	c    *cron.Cron
	spec string
	loc  *time.Location
	id   cron.EntryID
}

func NewRefresher(cache *Cache, log logx.Logger) *Refresher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Refresher{cache: cache, log: log, timeout: time.Minute}
}

// Start begins scheduling. An empty spec leaves the refresher idle until Apply sets one.
func (r *Refresher) Start(ctx context.Context, spec string, loc *time.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx = ctx
	return r.restartLocked(spec, loc)
}

// Apply reschedules when the spec or location changed.
func (r *Refresher) Apply(spec string, loc *time.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		r.spec, r.loc = strings.TrimSpace(spec), loc
		return nil
	}
	if strings.TrimSpace(spec) == r.spec && sameLocation(loc, r.loc) {
		return nil
	}
	return r.restartLocked(spec, loc)
}

func (r *Refresher) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.ctx = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Next returns the next planned refresh (zero when idle).
func (r *Refresher) Next() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		return time.Time{}
	}
	return r.c.Entry(r.id).Next
}

func (r *Refresher) restartLocked(spec string, loc *time.Location) error {
	spec = strings.TrimSpace(spec)
	if loc == nil {
		loc = time.Local
	}
	if r.c != nil {
		// running jobs finish on their own; the context is shared
		r.c.Stop()
		r.c = nil
	}
	r.spec, r.loc = spec, loc
	if spec == "" {
		r.log.Debug("directory refresh disabled")
		return nil
	}

	c := cron.New(cron.WithParser(ScheduleParser), cron.WithLocation(loc))
	id, err := c.AddFunc(spec, r.run)
	if err != nil {
		return fmt.Errorf("directory refresh schedule %q: %w", spec, err)
	}
	c.Start()
	r.c, r.id = c, id
	r.log.Info("directory refresh scheduled", logx.String("spec", spec), logx.String("tz", loc.String()), logx.Time("next", c.Entry(id).Next))
	return nil
}

func (r *Refresher) run() {
	r.mu.Lock()
	parent := r.ctx
	r.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	start := time.Now()
	ids, err := r.cache.Refresh(ctx)
	if err != nil {
		r.log.Warn("scheduled directory refresh failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		return
	}
	r.log.Info("directory refreshed", logx.Int("recipients", len(ids)), logx.Duration("took", time.Since(start)))
}

func sameLocation(a, b *time.Location) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}
