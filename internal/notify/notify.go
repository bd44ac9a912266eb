// Package notify posts run summaries to the operator chat.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"groupcast/internal/dispatch"
	"groupcast/internal/eventbus"
	kit "groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

type Config struct {
	Enabled bool
	// OnlyFailed skips summaries of clean runs.
	OnlyFailed bool
	Target     kit.ChatTarget
	RatePerSec int
}

// Service listens for finished runs on the bus and sends a summary per run.
type Service struct {
	sender kit.Sender
	bus    eventbus.Bus
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sent    int
}

func New(cfg Config, sender kit.Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Service{sender: sender, bus: bus, log: log}
	n.Apply(cfg)
	return n
}

func (n *Service) Apply(cfg Config) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	n.mu.Lock()
	n.cfg = cfg
	n.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	n.mu.Unlock()
}

// Run consumes bus events until ctx is done.
func (n *Service) Run(ctx context.Context) error {
	if n.bus == nil {
		<-ctx.Done()
		return nil
	}
	events, unsubscribe := n.bus.Subscribe(32)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Type != dispatch.EventRunFinished {
				continue
			}
			st, ok := e.Data.(dispatch.RunStatus)
			if !ok {
				continue
			}
			if err := n.NotifyRun(ctx, st); err != nil {
				n.log.Warn("run summary not sent", logx.String("run", st.ID), logx.Err(err))
			}
		}
	}
}

// NotifyRun sends the summary of st if notifications are enabled and the run qualifies.
func (n *Service) NotifyRun(ctx context.Context, st dispatch.RunStatus) error {
	n.mu.Lock()
	cfg, lim := n.cfg, n.limiter
	n.mu.Unlock()

	if !cfg.Enabled || n.sender == nil || cfg.Target.ChatID == 0 {
		return nil
	}
	if cfg.OnlyFailed && st.State == dispatch.StateDone && st.Failure == 0 {
		return nil
	}

	if err := lim.Wait(ctx); err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := n.sender.SendText(sendCtx, cfg.Target, FormatSummary(st), &kit.SendOptions{DisablePreview: true})
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.sent++
	n.mu.Unlock()
	n.log.Debug("run summary sent", logx.String("run", st.ID), logx.Int64("chat_id", cfg.Target.ChatID))
	return nil
}

// Sent reports how many summaries were delivered.
func (n *Service) Sent() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

const maxFailureLines = 10

// FormatSummary renders a plain-text summary of a run.
func FormatSummary(st dispatch.RunStatus) string {
	var b strings.Builder
	switch {
	case st.State == dispatch.StateFailed:
		b.WriteString("🚨 Broadcast not sent")
	case st.Failure > 0:
		b.WriteString("⚠️ Broadcast finished with failures")
	default:
		b.WriteString("✅ Broadcast finished")
	}
	fmt.Fprintf(&b, "\nrun: %s\n", st.ID)

	if st.State == dispatch.StateFailed {
		fmt.Fprintf(&b, "reason: %s\n", st.Error)
		return strings.TrimRight(b.String(), "\n")
	}

	fmt.Fprintf(&b, "recipients: %d\n", st.Recipients)
	if len(st.Attachments) > 0 {
		fmt.Fprintf(&b, "files: %s\n", strings.Join(st.Attachments, ", "))
	}
	fmt.Fprintf(&b, "successful sends: %d\nfailed sends: %d", st.Success, st.Failure)
	if !st.StartedAt.IsZero() && !st.DoneAt.IsZero() {
		fmt.Fprintf(&b, "\ntook: %s", st.DoneAt.Sub(st.StartedAt).Round(time.Millisecond))
	}

	shown := 0
	for _, it := range st.Items {
		if it.OK {
			continue
		}
		if shown == maxFailureLines {
			b.WriteString("\n…")
			break
		}
		b.WriteString("\n• ")
		b.WriteString(it.String())
		shown++
	}
	return b.String()
}
