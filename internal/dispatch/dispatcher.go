package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"groupcast/internal/directory"
	"groupcast/internal/gateway"
	"groupcast/internal/media"
	logx "groupcast/pkg/logx"
)

// Dispatcher executes one broadcast per Run call. It holds no per-run state.
type Dispatcher struct {
	dir Directory
	gw  Gateway
	log logx.Logger

	concurrency atomic.Int32
}

func NewDispatcher(dir Directory, gw Gateway, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{dir: dir, gw: gw, log: log}
	d.concurrency.Store(1)
	return d
}

// SetConcurrency bounds parallel text sends. Values below 2 mean sequential.
// Attachments are always sent one after another.
func (d *Dispatcher) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	d.concurrency.Store(int32(n))
}

// Run resolves recipients, validates req and sends it. A non-nil error is fatal to the run
// and means no gateway call was made; per-item failures are only reflected in the Outcome.
func (d *Dispatcher) Run(ctx context.Context, req Request, observe Observer) (Outcome, error) {
	start := time.Now()

	recipients, err := d.resolveRecipients(ctx)
	if err != nil {
		return Outcome{Items: []Item{}}, err
	}
	out := Outcome{Recipients: len(recipients), Items: make([]Item, 0, len(recipients))}

	if err := validate(req); err != nil {
		return out, err
	}

	var mu sync.Mutex
	emit := func(it Item) {
		mu.Lock()
		defer mu.Unlock()
		out.add(it)
		if observe != nil {
			observe(out.Items[len(out.Items)-1])
		}
	}

	if textMode(req) {
		d.sendText(ctx, recipients, req.Message, emit)
	}
	for _, a := range req.Attachments {
		d.sendMedia(ctx, recipients, a, caption(req.Message), emit)
	}

	d.log.Info("dispatch finished",
		logx.Int("recipients", len(recipients)),
		logx.Int("attachments", len(req.Attachments)),
		logx.Int("success", out.Success),
		logx.Int("failure", out.Failure),
		logx.Duration("took", time.Since(start)),
	)
	return out, nil
}

func (d *Dispatcher) resolveRecipients(ctx context.Context) ([]string, error) {
	raw, err := d.dir.ListGroupIDs(ctx)
	if err != nil {
		d.log.Warn("recipient directory unavailable", logx.Err(err))
		return nil, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	ids := directory.FilterGroupIDs(raw)
	if len(ids) == 0 {
		return nil, ErrNoRecipients
	}
	return ids, nil
}

func validate(req Request) error {
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		return ErrEmptyBroadcast
	}
	return nil
}

func textMode(req Request) bool {
	return strings.TrimSpace(req.Message) != "" && len(req.Attachments) == 0
}

func caption(message string) string {
	if strings.TrimSpace(message) == "" {
		return ""
	}
	return message
}

// sendText issues one send-message per recipient. With concurrency > 1 results are
// slotted by index and emitted in recipient order as soon as every earlier slot is filled.
func (d *Dispatcher) sendText(ctx context.Context, recipients []string, message string, emit func(Item)) {
	one := func(to string) Item {
		it := Item{Kind: KindText, Recipient: to, Count: 1}
		if err := d.gw.SendText(ctx, to, message); err != nil {
			serr := &SendError{Recipient: to, Err: err}
			d.log.Warn("text send failed", logx.String("to", to), logx.Err(err))
			it.Err = serr.Error()
			return it
		}
		it.OK = true
		return it
	}

	limit := int(d.concurrency.Load())
	if limit <= 1 || len(recipients) <= 1 {
		for _, to := range recipients {
			emit(one(to))
		}
		return
	}

	var (
		slotMu sync.Mutex
		slots  = make([]Item, len(recipients))
		filled = make([]bool, len(recipients))
		next   int
	)
	var g errgroup.Group
	g.SetLimit(limit)
	for i, to := range recipients {
		i, to := i, to
		g.Go(func() error {
			it := one(to)
			slotMu.Lock()
			defer slotMu.Unlock()
			slots[i], filled[i] = it, true
			for next < len(slots) && filled[next] {
				emit(slots[next])
				next++
			}
			return nil
		})
	}
	_ = g.Wait()
}

// sendMedia issues one send-media-multi for the whole recipient list.
// A call that yields no per-recipient results charges every recipient as failed.
func (d *Dispatcher) sendMedia(ctx context.Context, recipients []string, a Attachment, caption string, emit func(Item)) {
	mimeType := strings.TrimSpace(a.MimeType)
	if mimeType == "" {
		mimeType = media.MimeType(a.Filename)
	}

	resp, err := d.gw.SendMediaMulti(ctx, gateway.MediaRequest{
		ToList:   recipients,
		Base64:   media.DataURI(mimeType, a.Data),
		Filename: a.Filename,
		Caption:  caption,
	})
	if err != nil {
		serr := &SendError{Filename: a.Filename, Err: err}
		d.log.Warn("media send failed", logx.String("file", a.Filename), logx.Int("recipients", len(recipients)), logx.Err(err))
		emit(Item{Kind: KindMedia, Filename: a.Filename, Err: serr.Error(), Count: len(recipients)})
		return
	}

	d.log.Debug("media sent", logx.String("file", a.Filename), logx.Int("results", len(resp.Results)))
	for i, r := range resp.Results {
		to := r.GroupID
		if to == "" && i < len(recipients) {
			to = recipients[i]
		}
		it := Item{Kind: KindMedia, Recipient: to, Filename: a.Filename, OK: r.Success, Count: 1}
		if !r.Success {
			msg := strings.TrimSpace(r.Error)
			if msg == "" {
				msg = "gateway reported failure"
			}
			it.Err = msg
		}
		emit(it)
	}
}
