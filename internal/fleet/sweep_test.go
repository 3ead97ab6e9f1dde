package fleet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/mjgate/internal/jobs"
	"github.com/zulandar/mjgate/internal/models"
)

type memTaskStore struct {
	mu    sync.Mutex
	saved map[string]models.Task
}

func (m *memTaskStore) SaveTask(_ context.Context, t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]models.Task)
	}
	m.saved[t.ID] = *t
	return nil
}

func (m *memTaskStore) get(id string) models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[id]
}

func TestSweeper_FailsExpiredTasks(t *testing.T) {
	st := &memTaskStore{}
	reg, err := jobs.NewRegistry(jobs.RegistryOpts{Store: st})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for id, age := range map[string]time.Duration{"old": 11 * time.Minute, "fresh": time.Minute} {
		if err := reg.Add(&models.Task{ID: id, AccountID: "a1", SubmitTime: now.Add(-age)}); err != nil {
			t.Fatal(err)
		}
	}

	s := NewSweeper(reg, 10*time.Minute, zerolog.Nop())
	s.now = func() time.Time { return now }

	if n := s.Sweep(context.Background()); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	if _, ok := reg.Get("old"); ok {
		t.Error("expired task still running")
	}
	if _, ok := reg.Get("fresh"); !ok {
		t.Error("fresh task was swept")
	}
	got := st.get("old")
	if got.Status != models.StatusFailure || got.FailReason != "task timeout after 10m0s" {
		t.Errorf("old = %+v", got)
	}

	if n := s.Sweep(context.Background()); n != 0 {
		t.Errorf("second Sweep = %d, want 0", n)
	}
}

func TestSweeper_Schedule(t *testing.T) {
	st := &memTaskStore{}
	reg, _ := jobs.NewRegistry(jobs.RegistryOpts{Store: st})
	if err := reg.Add(&models.Task{ID: "old", SubmitTime: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}
	s := NewSweeper(reg, time.Minute, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Schedule(ctx, "@every 1s") }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.Get("old"); !ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, ok := reg.Get("old"); ok {
		t.Error("scheduled sweep never ran")
	}
}

func TestSweeper_BadSchedule(t *testing.T) {
	reg, _ := jobs.NewRegistry(jobs.RegistryOpts{Store: &memTaskStore{}})
	s := NewSweeper(reg, time.Minute, zerolog.Nop())
	if err := s.Schedule(context.Background(), "not a schedule"); err == nil {
		t.Fatal("expected error")
	}
}
