package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"groupcast/internal/gateway"
	logx "groupcast/pkg/logx"
)

type fakeDirectory struct {
	ids   []string
	err   error
	calls int
}

func (f *fakeDirectory) ListGroupIDs(ctx context.Context) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.ids...), nil
}

type textCall struct{ to, message string }

type fakeGateway struct {
	mu         sync.Mutex
	texts      []textCall
	media      []gateway.MediaRequest
	textErr    map[string]error
	mediaErr   error
	mediaReply func(req gateway.MediaRequest) gateway.MediaResponse
	delay      time.Duration
}

func (g *fakeGateway) SendText(ctx context.Context, to, message string) error {
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.texts = append(g.texts, textCall{to: to, message: message})
	return g.textErr[to]
}

func (g *fakeGateway) SendMediaMulti(ctx context.Context, req gateway.MediaRequest) (gateway.MediaResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.media = append(g.media, req)
	if g.mediaErr != nil {
		return gateway.MediaResponse{}, g.mediaErr
	}
	if g.mediaReply != nil {
		return g.mediaReply(req), nil
	}
	res := make([]gateway.RecipientResult, 0, len(req.ToList))
	for _, to := range req.ToList {
		res = append(res, gateway.RecipientResult{GroupID: to, Success: true})
	}
	return gateway.MediaResponse{Success: true, Results: res}, nil
}

func (g *fakeGateway) counts() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.texts), len(g.media)
}

func newDispatcher(dir Directory, gw Gateway) *Dispatcher {
	return NewDispatcher(dir, gw, logx.Nop())
}

func sumCounts(items []Item) int {
	n := 0
	for _, it := range items {
		n += it.Count
	}
	return n
}

func TestRunFatalErrorsSendNothing(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		dir     *fakeDirectory
		req     Request
		wantErr error
	}{
		{"directory down", &fakeDirectory{err: errors.New("sheet 503")}, Request{Message: "Hello"}, ErrDirectoryUnavailable},
		{"directory down and empty request", &fakeDirectory{err: errors.New("sheet 503")}, Request{}, ErrDirectoryUnavailable},
		{"no recipients", &fakeDirectory{ids: []string{"", "x@c.us"}}, Request{Message: "Hello"}, ErrNoRecipients},
		{"empty broadcast", &fakeDirectory{ids: []string{"1@g.us"}}, Request{Message: "  \n "}, ErrEmptyBroadcast},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := &fakeGateway{}
			out, err := newDispatcher(tc.dir, gw).Run(context.Background(), tc.req, nil)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if texts, media := gw.counts(); texts != 0 || media != 0 {
				t.Fatalf("calls = %d text, %d media; want none", texts, media)
			}
			if out.Success != 0 || out.Failure != 0 {
				t.Fatalf("outcome = %+v", out)
			}
		})
	}
}

func TestDirectoryErrorKeepsCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("quota exceeded")
	_, err := newDispatcher(&fakeDirectory{err: cause}, &fakeGateway{}).Run(context.Background(), Request{Message: "x"}, nil)
	if !errors.Is(err, cause) || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("err = %v, want wrapped cause", err)
	}
	if ErrorKind(err) != "directory_unavailable" {
		t.Fatalf("kind = %q", ErrorKind(err))
	}
}

func TestTextModeExclusivity(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	dir := &fakeDirectory{ids: []string{"1@g.us", "2@g.us"}}
	out, err := newDispatcher(dir, gw).Run(context.Background(), Request{Message: "Hello"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	texts, media := gw.counts()
	if texts != 2 || media != 0 {
		t.Fatalf("calls = %d text, %d media; want 2, 0", texts, media)
	}
	if gw.texts[0].to != "1@g.us" || gw.texts[1].to != "2@g.us" || gw.texts[0].message != "Hello" {
		t.Fatalf("text calls = %+v", gw.texts)
	}
	if out.Success != 2 || out.Failure != 0 || len(out.Items) != 2 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestMediaAlwaysRunsWithAttachments(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	dir := &fakeDirectory{ids: []string{"1@g.us", "2@g.us"}}
	req := Request{Attachments: []Attachment{{Filename: "photo.jpg", Data: []byte("hi")}}}
	out, err := newDispatcher(dir, gw).Run(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	texts, media := gw.counts()
	if texts != 0 || media != 1 {
		t.Fatalf("calls = %d text, %d media; want 0, 1", texts, media)
	}
	got := gw.media[0]
	if got.Caption != "" || got.Filename != "photo.jpg" || got.Base64 != "data:image/jpeg;base64,aGk=" {
		t.Fatalf("media request = %+v", got)
	}
	if strings.Join(got.ToList, ",") != "1@g.us,2@g.us" {
		t.Fatalf("toList = %v", got.ToList)
	}
	if out.Success != 2 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestMessageWithAttachmentsIsCaptionOnly(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	dir := &fakeDirectory{ids: []string{"1@g.us"}}
	req := Request{
		Message: "Weekly report",
		Attachments: []Attachment{
			{Filename: "a.pdf", Data: []byte("1")},
			{Filename: "b.png", Data: []byte("2"), MimeType: "image/x-custom"},
		},
	}
	if _, err := newDispatcher(dir, gw).Run(context.Background(), req, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	texts, media := gw.counts()
	if texts != 0 || media != 2 {
		t.Fatalf("calls = %d text, %d media; want 0, 2", texts, media)
	}
	if gw.media[0].Caption != "Weekly report" || gw.media[1].Caption != "Weekly report" {
		t.Fatalf("captions = %q, %q", gw.media[0].Caption, gw.media[1].Caption)
	}
	if !strings.HasPrefix(gw.media[0].Base64, "data:application/pdf;base64,") {
		t.Fatalf("pdf uri = %q", gw.media[0].Base64)
	}
	if !strings.HasPrefix(gw.media[1].Base64, "data:image/x-custom;base64,") {
		t.Fatalf("explicit mime ignored: %q", gw.media[1].Base64)
	}
}

func TestPerRecipientMediaTally(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{mediaReply: func(req gateway.MediaRequest) gateway.MediaResponse {
		return gateway.MediaResponse{Success: true, Results: []gateway.RecipientResult{
			{GroupID: "1@g.us", Success: true},
			{GroupID: "2@g.us", Success: false, Error: "Invalid group ID"},
		}}
	}}
	dir := &fakeDirectory{ids: []string{"1@g.us", "2@g.us"}}
	out, err := newDispatcher(dir, gw).Run(context.Background(), Request{Attachments: []Attachment{{Filename: "p.jpg"}}}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Success != 1 || out.Failure != 1 {
		t.Fatalf("outcome = %d/%d, want 1/1", out.Success, out.Failure)
	}
	if out.Items[1].Recipient != "2@g.us" || out.Items[1].Err != "Invalid group ID" {
		t.Fatalf("items = %+v", out.Items)
	}
}

func TestMediaResultsWithoutIDsUseRecipientOrder(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{mediaReply: func(req gateway.MediaRequest) gateway.MediaResponse {
		return gateway.MediaResponse{Results: []gateway.RecipientResult{{Success: true}, {Success: false}}}
	}}
	dir := &fakeDirectory{ids: []string{"1@g.us", "2@g.us"}}
	out, err := newDispatcher(dir, gw).Run(context.Background(), Request{Attachments: []Attachment{{Filename: "p.jpg"}}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Items[0].Recipient != "1@g.us" || out.Items[1].Recipient != "2@g.us" || out.Items[1].Err == "" {
		t.Fatalf("items = %+v", out.Items)
	}
}

func TestMediaTransportFailureChargesAllRecipients(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{mediaErr: &gateway.StatusError{Op: "send-media-multi", StatusCode: 500, Body: "boom"}}
	dir := &fakeDirectory{ids: []string{"1@g.us", "2@g.us", "3@g.us"}}
	out, err := newDispatcher(dir, gw).Run(context.Background(), Request{Message: "x", Attachments: []Attachment{{Filename: "v.mp4"}}}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Failure != 3 || out.Success != 0 {
		t.Fatalf("outcome = %+v, want failure 3", out)
	}
	if len(out.Items) != 1 || out.Items[0].Count != 3 || !strings.Contains(out.Items[0].Err, "HTTP 500") {
		t.Fatalf("items = %+v", out.Items)
	}
}

func TestTextPartialFailureContinues(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{textErr: map[string]error{"2@g.us": errors.New("connection refused")}}
	dir := &fakeDirectory{ids: []string{"1@g.us", "2@g.us", "3@g.us"}}
	out, err := newDispatcher(dir, gw).Run(context.Background(), Request{Message: "hi"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Success != 2 || out.Failure != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Items[1].OK || !strings.Contains(out.Items[1].Err, "2@g.us") || !strings.Contains(out.Items[1].Err, "connection refused") {
		t.Fatalf("item = %+v", out.Items[1])
	}
}

func TestFilteringAppliedBeforeSend(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	dir := &fakeDirectory{ids: []string{" 111@g.us ", "", "222@c.us", "333@g.us"}}
	out, err := newDispatcher(dir, gw).Run(context.Background(), Request{Message: "hi"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Recipients != 2 || len(gw.texts) != 2 || gw.texts[0].to != "111@g.us" || gw.texts[1].to != "333@g.us" {
		t.Fatalf("recipients = %d, calls = %+v", out.Recipients, gw.texts)
	}
}

func TestRunsAreNotIdempotent(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	dir := &fakeDirectory{ids: []string{"1@g.us", "2@g.us"}}
	d := newDispatcher(dir, gw)
	for i := 0; i < 2; i++ {
		if _, err := d.Run(context.Background(), Request{Message: "same"}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if texts, _ := gw.counts(); texts != 4 {
		t.Fatalf("text calls = %d, want 4", texts)
	}
	if dir.calls != 2 {
		t.Fatalf("directory calls = %d, want 2", dir.calls)
	}
}

func TestConcurrentTextSendsKeepOrderAndTally(t *testing.T) {
	t.Parallel()
	ids := make([]string, 20)
	errs := map[string]error{}
	for i := range ids {
		ids[i] = fmt.Sprintf("%d@g.us", i)
		if i%4 == 0 {
			errs[ids[i]] = errors.New("nope")
		}
	}
	gw := &fakeGateway{textErr: errs, delay: 5 * time.Millisecond}
	d := newDispatcher(&fakeDirectory{ids: ids}, gw)
	d.SetConcurrency(5)

	var observed []string
	out, err := d.Run(context.Background(), Request{Message: "hi"}, func(it Item) { observed = append(observed, it.Recipient) })
	if err != nil {
		t.Fatal(err)
	}
	if out.Success != 15 || out.Failure != 5 {
		t.Fatalf("outcome = %d/%d", out.Success, out.Failure)
	}
	for i, it := range out.Items {
		if it.Recipient != ids[i] {
			t.Fatalf("item %d recipient = %s, want %s", i, it.Recipient, ids[i])
		}
		if it.OK != (i%4 != 0) {
			t.Fatalf("item %d ok = %v", i, it.OK)
		}
	}
	if len(observed) != 20 {
		t.Fatalf("observer saw %d items", len(observed))
	}
}

// blockingTextGateway holds the last recipient until the observer has seen the others.
type blockingTextGateway struct {
	fakeGateway
	hold    string
	release chan struct{}
}

func (g *blockingTextGateway) SendText(ctx context.Context, to, message string) error {
	if to == g.hold {
		select {
		case <-g.release:
		case <-time.After(2 * time.Second):
			return errors.New("earlier items were not emitted while this send was pending")
		}
	}
	return g.fakeGateway.SendText(ctx, to, message)
}

func TestConcurrentTextSendsEmitBeforePoolDrains(t *testing.T) {
	t.Parallel()
	gw := &blockingTextGateway{hold: "3@g.us", release: make(chan struct{})}
	d := newDispatcher(&fakeDirectory{ids: []string{"1@g.us", "2@g.us", "3@g.us"}}, gw)
	d.SetConcurrency(3)

	var seen []string
	out, err := d.Run(context.Background(), Request{Message: "hi"}, func(it Item) {
		seen = append(seen, it.Recipient)
		if len(seen) == 2 {
			close(gw.release)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Success != 3 || out.Failure != 0 {
		t.Fatalf("outcome = %d/%d, items = %+v", out.Success, out.Failure, out.Items)
	}
	if strings.Join(seen, ",") != "1@g.us,2@g.us,3@g.us" {
		t.Fatalf("observed = %v", seen)
	}
}

func TestItemCountsMatchTally(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{mediaReply: func(req gateway.MediaRequest) gateway.MediaResponse {
		return gateway.MediaResponse{Results: []gateway.RecipientResult{{Success: true}, {Success: false}}}
	}}
	dir := &fakeDirectory{ids: []string{"1@g.us", "2@g.us"}}
	req := Request{Attachments: []Attachment{{Filename: "a.jpg"}, {Filename: "b.jpg"}}}
	out, err := newDispatcher(dir, gw).Run(context.Background(), req, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sumCounts(out.Items) != out.Success+out.Failure {
		t.Fatalf("items sum %d != tally %d", sumCounts(out.Items), out.Success+out.Failure)
	}
}

func TestItemString(t *testing.T) {
	t.Parallel()
	cases := []struct {
		it   Item
		want string
	}{
		{Item{Kind: KindText, Recipient: "1@g.us", OK: true, Count: 1}, "sent to 1@g.us"},
		{Item{Kind: KindMedia, Recipient: "1@g.us", Filename: "photo.jpg", OK: true, Count: 1}, "photo.jpg sent to 1@g.us"},
		{Item{Kind: KindMedia, Recipient: "2@g.us", Filename: "photo.jpg", Err: "Invalid group ID", Count: 1}, "photo.jpg to 2@g.us failed: Invalid group ID"},
		{Item{Kind: KindMedia, Filename: "a.pdf", Err: "send a.pdf: HTTP 500", Count: 3}, "send a.pdf: HTTP 500 (3 recipients)"},
		{Item{Kind: KindText, Recipient: "1@g.us", Err: "send to 1@g.us: timeout", Count: 1}, "send to 1@g.us: timeout"},
	}
	for _, tc := range cases {
		if got := tc.it.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}
