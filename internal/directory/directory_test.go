package directory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/api/option"

	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

func TestFilterGroupIDs(t *testing.T) {
	t.Parallel()
	in := []string{" 111@g.us ", "", "   ", "222@c.us", "333@g.us", "@g.us", "444@g.us\n"}
	got := FilterGroupIDs(in)
	want := []string{"111@g.us", "333@g.us", "@g.us", "444@g.us"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("FilterGroupIDs = %v, want %v", got, want)
	}
	if got := FilterGroupIDs([]string{"Group ID", "  @g.us  ", "1@g.us"}); strings.Join(got, ",") != "@g.us,1@g.us" {
		t.Fatalf("bare suffix: FilterGroupIDs = %v", got)
	}
	if FilterGroupIDs(nil) == nil {
		t.Fatal("FilterGroupIDs(nil) should be non-nil")
	}
}

func TestParseSpreadsheetID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{"1AbC-d_E", "1AbC-d_E", false},
		{"https://docs.google.com/spreadsheets/d/1AbC-d_E/edit#gid=0", "1AbC-d_E", false},
		{"", "", true},
		{"https://example.com/other", "", true},
	}
	for _, tc := range cases {
		got, err := ParseSpreadsheetID(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("ParseSpreadsheetID(%q) = %q, %v", tc.in, got, err)
		}
	}
}

func TestA1Range(t *testing.T) {
	t.Parallel()
	if got := a1Range("GroupIDs", "B"); got != "GroupIDs!B:B" {
		t.Fatalf("a1Range = %q", got)
	}
	if got := a1Range("My Groups", "C"); got != "'My Groups'!C:C" {
		t.Fatalf("a1Range = %q", got)
	}
}

func TestCheckCredentials(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := CheckCredentials(filepath.Join(dir, "missing.json")); !errors.Is(err, ErrCredentialsMissing) {
		t.Fatalf("missing file: err = %v", err)
	}
	if err := CheckCredentials(dir); !errors.Is(err, ErrCredentialsMissing) {
		t.Fatalf("directory: err = %v", err)
	}
	if err := CheckCredentials(""); !errors.Is(err, ErrCredentialsMissing) {
		t.Fatalf("empty: err = %v", err)
	}
	p := filepath.Join(dir, "sa.json")
	if err := os.WriteFile(p, []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := CheckCredentials(p); err != nil {
		t.Fatalf("present: err = %v", err)
	}
}

func TestSheetsSkipsHeaderAndReadsColumn(t *testing.T) {
	t.Parallel()
	var gotPath, gotDim string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotDim = r.URL.Query().Get("majorDimension")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"range":"GroupIDs!B1:B5","majorDimension":"COLUMNS","values":[["Group ID"," 1@g.us ","","2@c.us","3@g.us"]]}`))
	}))
	defer srv.Close()

	src, err := NewSheets(context.Background(), SheetsConfig{
		Spreadsheet: "https://docs.google.com/spreadsheets/d/sheet123/edit",
	}, option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("NewSheets: %v", err)
	}
	raw, err := src.ListGroupIDs(context.Background())
	if err != nil {
		t.Fatalf("ListGroupIDs: %v", err)
	}
	if len(raw) != 4 || raw[0] != " 1@g.us " {
		t.Fatalf("raw = %q", raw)
	}
	if got := FilterGroupIDs(raw); strings.Join(got, ",") != "1@g.us,3@g.us" {
		t.Fatalf("filtered = %v", got)
	}
	if !strings.Contains(gotPath, "/v4/spreadsheets/sheet123/values/GroupIDs!B:B") {
		t.Fatalf("path = %q", gotPath)
	}
	if gotDim != "COLUMNS" {
		t.Fatalf("majorDimension = %q", gotDim)
	}
}

func TestSheetsErrorSurfaces(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"forbidden"}}`, http.StatusForbidden)
	}))
	defer srv.Close()
	src, err := NewSheets(context.Background(), SheetsConfig{Spreadsheet: "abc"},
		option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("NewSheets: %v", err)
	}
	if _, err := src.ListGroupIDs(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

type countingSource struct {
	mu    sync.Mutex
	ids   []string
	err   error
	calls atomic.Int32
	delay time.Duration
	key   string
}

func (s *countingSource) ListGroupIDs(ctx context.Context) ([]string, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]string(nil), s.ids...), nil
}

func (s *countingSource) Key() string {
	if s.key == "" {
		return "counting"
	}
	return s.key
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestCacheTTL(t *testing.T) {
	t.Parallel()
	src := &countingSource{ids: []string{"1@g.us", "bad", "2@g.us"}}
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := NewCache(src, CacheOptions{TTL: time.Minute, Now: clk.Now})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ids, err := c.ListGroupIDs(ctx)
		if err != nil || strings.Join(ids, ",") != "1@g.us,2@g.us" {
			t.Fatalf("ListGroupIDs = %v, %v", ids, err)
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("source calls = %d, want 1", n)
	}

	clk.Advance(2 * time.Minute)
	if _, err := c.ListGroupIDs(ctx); err != nil {
		t.Fatal(err)
	}
	if n := src.calls.Load(); n != 2 {
		t.Fatalf("source calls after expiry = %d, want 2", n)
	}

	c.Invalidate(ctx)
	if _, err := c.ListGroupIDs(ctx); err != nil {
		t.Fatal(err)
	}
	if n := src.calls.Load(); n != 3 {
		t.Fatalf("source calls after invalidate = %d, want 3", n)
	}
	if inf := c.Info(); inf.Count != 2 || inf.FetchedAt.IsZero() {
		t.Fatalf("Info = %+v", inf)
	}
}

func TestCacheDisabled(t *testing.T) {
	t.Parallel()
	src := &countingSource{ids: []string{"1@g.us"}}
	c := NewCache(src, CacheOptions{TTL: 0})
	for i := 0; i < 3; i++ {
		if _, err := c.ListGroupIDs(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if n := src.calls.Load(); n != 3 {
		t.Fatalf("source calls = %d, want 3", n)
	}
	if inf := c.Info(); !inf.FetchedAt.IsZero() {
		t.Fatalf("disabled cache should hold nothing: %+v", inf)
	}
}

func TestCacheErrorNotCached(t *testing.T) {
	t.Parallel()
	src := &countingSource{err: errors.New("quota exceeded")}
	c := NewCache(src, CacheOptions{TTL: time.Minute})
	if _, err := c.ListGroupIDs(context.Background()); err == nil || !strings.Contains(err.Error(), "quota") {
		t.Fatalf("err = %v", err)
	}
	src.mu.Lock()
	src.err = nil
	src.ids = []string{"1@g.us"}
	src.mu.Unlock()
	ids, err := c.ListGroupIDs(context.Background())
	if err != nil || len(ids) != 1 {
		t.Fatalf("ListGroupIDs = %v, %v", ids, err)
	}
}

func TestCacheConcurrentMissesShareFetch(t *testing.T) {
	t.Parallel()
	src := &countingSource{ids: []string{"1@g.us"}, delay: 50 * time.Millisecond}
	c := NewCache(src, CacheOptions{TTL: time.Minute})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.ListGroupIDs(context.Background())
		}()
	}
	wg.Wait()
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("source calls = %d, want 1", n)
	}
}

func TestCachePersistsAcrossRestart(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "gc.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	src := &countingSource{ids: []string{"1@g.us"}}
	first := NewCache(src, CacheOptions{TTL: time.Hour, Store: st})
	if _, err := first.ListGroupIDs(context.Background()); err != nil {
		t.Fatal(err)
	}

	second := NewCache(src, CacheOptions{TTL: time.Hour, Store: st})
	ids, err := second.ListGroupIDs(context.Background())
	if err != nil || len(ids) != 1 {
		t.Fatalf("ListGroupIDs = %v, %v", ids, err)
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("source calls = %d, want 1 (served from store)", n)
	}

	second.Invalidate(context.Background())
	third := NewCache(src, CacheOptions{TTL: time.Hour, Store: st})
	if _, err := third.ListGroupIDs(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := src.calls.Load(); n != 2 {
		t.Fatalf("source calls = %d, want 2 after invalidate", n)
	}
}

func TestCacheSetSourceDropsSnapshot(t *testing.T) {
	t.Parallel()
	a := &countingSource{ids: []string{"1@g.us"}, key: "a"}
	b := &countingSource{ids: []string{"2@g.us"}, key: "b"}
	c := NewCache(a, CacheOptions{TTL: time.Hour})
	if _, err := c.ListGroupIDs(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.SetSource(b)
	ids, err := c.ListGroupIDs(context.Background())
	if err != nil || len(ids) != 1 || ids[0] != "2@g.us" {
		t.Fatalf("ListGroupIDs = %v, %v", ids, err)
	}
}

func TestRefresherRunsOnSchedule(t *testing.T) {
	t.Parallel()
	src := &countingSource{ids: []string{"1@g.us"}}
	c := NewCache(src, CacheOptions{TTL: time.Hour})
	r := NewRefresher(c, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx, "@every 1s", time.UTC); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop(context.Background())
	if r.Next().IsZero() {
		t.Fatal("expected next run")
	}

	deadline := time.Now().Add(5 * time.Second)
	for src.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if src.calls.Load() == 0 {
		t.Fatal("refresher never fetched")
	}
	if c.Info().Count != 1 {
		t.Fatalf("cache not populated: %+v", c.Info())
	}
}

func TestRefresherRejectsBadSpec(t *testing.T) {
	t.Parallel()
	r := NewRefresher(NewCache(NewStatic(nil), CacheOptions{}), logx.Nop())
	if err := r.Start(context.Background(), "not a cron", nil); err == nil {
		t.Fatal("expected error")
	}
	if err := r.Start(context.Background(), "", nil); err != nil {
		t.Fatalf("empty spec: %v", err)
	}
	if !r.Next().IsZero() {
		t.Fatal("idle refresher should have no next run")
	}
}
