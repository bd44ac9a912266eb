package dispatch

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"groupcast/internal/eventbus"
	logx "groupcast/pkg/logx"
)

// Event types published on the bus. Data is a RunStatus snapshot.
const (
	EventRunStarted  = "run.started"
	EventRunFinished = "run.finished"
)

type ServiceConfig struct {
	Workers     int
	QueueSize   int
	HistorySize int
	HistoryTTL  time.Duration
}

type RunState string

const (
	StateQueued  RunState = "queued"
	StateRunning RunState = "running"
	StateDone    RunState = "done"
	// StateFailed means the run stopped before sending (see ErrorKind).
	StateFailed RunState = "failed"
)

// RunStatus is the live view of one run.
type RunStatus struct {
	ID          string    `json:"id"`
	State       RunState  `json:"state"`
	Message     string    `json:"message,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	Recipients  int       `json:"recipients"`
	Success     int       `json:"success"`
	Failure     int       `json:"failure"`
	Items       []Item    `json:"items"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	DoneAt      time.Time `json:"done_at,omitzero"`
}

// Finished reports whether the run reached a terminal state.
func (s RunStatus) Finished() bool { return s.State == StateDone || s.State == StateFailed }

func (s RunStatus) clone() RunStatus {
	cp := s
	cp.Items = append([]Item(nil), s.Items...)
	if cp.Items == nil {
		cp.Items = []Item{}
	}
	cp.Attachments = append([]string(nil), s.Attachments...)
	return cp
}

type job struct {
	id  string
	req Request
}

// Service queues runs and executes them on a fixed worker pool.
type Service struct {
	d   *Dispatcher
	bus eventbus.Bus
	log logx.Logger

	mu       sync.Mutex
	cfg      ServiceConfig
	queue    chan job
	stopCh   chan struct{}
	stopDone chan struct{} // non-nil while Stop is in progress
	runCtx   context.Context
	cancel   context.CancelFunc
	workerWG sync.WaitGroup

	statusMu sync.RWMutex
	status   map[string]*RunStatus
}

func NewService(d *Dispatcher, cfg ServiceConfig, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	return &Service{
		d:      d,
		bus:    bus,
		log:    log,
		cfg:    cfg,
		queue:  make(chan job, cfg.QueueSize),
		status: map[string]*RunStatus{},
	}
}

// ApplyHistory changes status retention. Worker count and queue size are fixed at construction.
func (s *Service) ApplyHistory(size int, ttl time.Duration) {
	s.mu.Lock()
	s.cfg.HistorySize = size
	s.cfg.HistoryTTL = ttl
	s.mu.Unlock()
	s.pruneStatus(time.Now())
}

// Submit enqueues req and returns the run id. The request is owned by the service afterwards.
func (s *Service) Submit(req Request) (string, error) {
	s.mu.Lock()
	running := s.stopCh != nil && s.stopDone == nil
	q := s.queue
	s.mu.Unlock()
	if !running {
		return "", ErrNotRunning
	}

	now := time.Now()
	s.pruneStatus(now)

	id := ulid.Make().String()
	names := make([]string, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		names = append(names, a.Filename)
	}
	st := &RunStatus{
		ID:          id,
		State:       StateQueued,
		Message:     preview(req.Message, 200),
		Attachments: names,
		Items:       []Item{},
		CreatedAt:   now,
	}
	s.statusMu.Lock()
	s.status[id] = st
	s.statusMu.Unlock()

	select {
	case q <- job{id: id, req: req}:
		s.log.Debug("run enqueued", logx.String("run", id), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		return id, nil
	default:
		s.statusMu.Lock()
		delete(s.status, id)
		s.statusMu.Unlock()
		s.log.Warn("dispatch queue full; rejecting run", logx.Int("queue_cap", cap(q)))
		return "", ErrQueueFull
	}
}

// Status returns a copy of the run's status.
func (s *Service) Status(id string) (RunStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok || st == nil {
		return RunStatus{}, false
	}
	return st.clone(), true
}

// Recent returns up to n statuses, newest first.
func (s *Service) Recent(n int) []RunStatus {
	s.statusMu.RLock()
	out := make([]RunStatus, 0, len(s.status))
	for _, st := range s.status {
		if st != nil {
			out = append(out, st.clone())
		}
	}
	s.statusMu.RUnlock()
	sortNewestFirst(out)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents double worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.cancel = context.WithCancel(ctx)
	workers := s.cfg.Workers
	queue, stopCh, runCtx := s.queue, s.stopCh, s.runCtx

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in dispatch worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}(i)
	}
	s.log.Info("service started", logx.Int("workers", workers), logx.Int("queue_cap", cap(queue)))
}

// Stop cancels in-flight runs and waits for workers until ctx is done.
// Queued runs stay queued and are picked up by a later Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh, cancel := s.stopCh, s.cancel
	s.cancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		// stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.exec(ctx, j)
		}
	}
}

func (s *Service) exec(ctx context.Context, j job) {
	start := time.Now()
	s.update(j.id, func(st *RunStatus) {
		st.State = StateRunning
		st.StartedAt = start
	})
	s.publish(EventRunStarted, j.id)

	out, err := s.d.Run(ctx, j.req, func(it Item) {
		s.update(j.id, func(st *RunStatus) {
			st.Items = append(st.Items, it)
			if it.OK {
				st.Success += it.Count
			} else {
				st.Failure += it.Count
			}
		})
	})

	s.update(j.id, func(st *RunStatus) {
		st.Recipients = out.Recipients
		st.Success, st.Failure = out.Success, out.Failure
		st.DoneAt = time.Now()
		if err != nil {
			st.State = StateFailed
			st.Error = err.Error()
			st.ErrorKind = ErrorKind(err)
			return
		}
		st.State = StateDone
	})

	if err != nil {
		s.log.Warn("run rejected", logx.String("run", j.id), logx.String("kind", ErrorKind(err)), logx.Err(err))
	} else {
		fields := []logx.Field{
			logx.String("run", j.id),
			logx.Int("recipients", out.Recipients),
			logx.Int("success", out.Success),
			logx.Int("failure", out.Failure),
			logx.Duration("took", time.Since(start)),
		}
		if out.Failure > 0 {
			s.log.Warn("run finished with failures", fields...)
		} else {
			s.log.Info("run finished", fields...)
		}
	}
	s.publish(EventRunFinished, j.id)
}

func (s *Service) update(id string, fn func(st *RunStatus)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		fn(st)
	}
}

func (s *Service) publish(typ, id string) {
	if s.bus == nil {
		return
	}
	st, ok := s.Status(id)
	if !ok {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: st})
}

func preview(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
