package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"groupcast/internal/eventbus"
	logx "groupcast/pkg/logx"
)

func waitFinished(t *testing.T, s *Service, id string) RunStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := s.Status(id); ok && st.Finished() {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return RunStatus{}
}

func TestServiceRunsAndPublishes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	gw := &fakeGateway{}
	d := newDispatcher(&fakeDirectory{ids: []string{"1@g.us", "2@g.us"}}, gw)
	s := NewService(d, ServiceConfig{}, bus, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	id, err := s.Submit(Request{Message: "Hello"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st := waitFinished(t, s, id)
	if st.State != StateDone || st.Success != 2 || st.Failure != 0 || len(st.Items) != 2 || st.Recipients != 2 {
		t.Fatalf("status = %+v", st)
	}
	if st.Message != "Hello" || st.StartedAt.IsZero() || st.DoneAt.IsZero() {
		t.Fatalf("status = %+v", st)
	}

	var types []string
	timeout := time.After(2 * time.Second)
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
			if rs, ok := e.Data.(RunStatus); !ok || rs.ID != id {
				t.Fatalf("event data = %#v", e.Data)
			}
		case <-timeout:
			t.Fatalf("events = %v", types)
		}
	}
	if types[0] != EventRunStarted || types[1] != EventRunFinished {
		t.Fatalf("events = %v", types)
	}
}

func TestServiceRecordsFatalErrors(t *testing.T) {
	t.Parallel()
	d := newDispatcher(&fakeDirectory{err: errors.New("sheet down")}, &fakeGateway{})
	s := NewService(d, ServiceConfig{}, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	id, err := s.Submit(Request{Message: "x"})
	if err != nil {
		t.Fatal(err)
	}
	st := waitFinished(t, s, id)
	if st.State != StateFailed || st.ErrorKind != "directory_unavailable" || st.Error == "" {
		t.Fatalf("status = %+v", st)
	}
}

func TestSubmitRequiresRunningService(t *testing.T) {
	t.Parallel()
	s := NewService(newDispatcher(&fakeDirectory{}, &fakeGateway{}), ServiceConfig{}, nil, logx.Nop())
	if _, err := s.Submit(Request{Message: "x"}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

type blockingDirectory struct{ release chan struct{} }

func (b *blockingDirectory) ListGroupIDs(ctx context.Context) ([]string, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []string{"1@g.us"}, nil
}

func TestSubmitQueueFull(t *testing.T) {
	t.Parallel()
	dir := &blockingDirectory{release: make(chan struct{})}
	s := NewService(newDispatcher(dir, &fakeGateway{}), ServiceConfig{Workers: 1, QueueSize: 1}, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())
	defer close(dir.release)

	first, err := s.Submit(Request{Message: "1"})
	if err != nil {
		t.Fatal(err)
	}
	// wait for the worker to pick up the first run so the queue slot is free
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, _ := s.Status(first)
		if st.State == StateRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := s.Submit(Request{Message: "2"}); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if _, err := s.Submit(Request{Message: "3"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third submit err = %v, want ErrQueueFull", err)
	}
}

func TestPruneStatusBoundsHistory(t *testing.T) {
	t.Parallel()
	s := NewService(newDispatcher(&fakeDirectory{}, &fakeGateway{}), ServiceConfig{HistorySize: 2, HistoryTTL: time.Hour}, nil, logx.Nop())
	now := time.Now()
	s.status = map[string]*RunStatus{
		"old":     {ID: "old", State: StateDone, CreatedAt: now.Add(-3 * time.Hour), DoneAt: now.Add(-2 * time.Hour)},
		"a":       {ID: "a", State: StateDone, CreatedAt: now.Add(-3 * time.Minute), DoneAt: now.Add(-3 * time.Minute)},
		"b":       {ID: "b", State: StateDone, CreatedAt: now.Add(-2 * time.Minute), DoneAt: now.Add(-2 * time.Minute)},
		"running": {ID: "running", State: StateRunning, CreatedAt: now.Add(-5 * time.Hour)},
	}
	s.pruneStatus(now)
	if _, ok := s.status["old"]; ok {
		t.Fatal("expired run kept")
	}
	if _, ok := s.status["running"]; !ok {
		t.Fatal("running run pruned")
	}
	if _, ok := s.status["a"]; ok {
		t.Fatal("oldest finished run should be evicted beyond the size limit")
	}
	if len(s.status) != 2 {
		t.Fatalf("len = %d, want 2", len(s.status))
	}

	recent := s.Recent(0)
	if len(recent) != 2 || recent[0].ID != "b" {
		t.Fatalf("Recent = %+v", recent)
	}
}
