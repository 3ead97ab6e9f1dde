package dashboard

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/mjgate/internal/fleet"
	"github.com/zulandar/mjgate/internal/gateway"
	"github.com/zulandar/mjgate/internal/verify"
)

type fakeFleet struct {
	mu       sync.Mutex
	statuses []fleet.Status
	err      error
	outcomes []verify.Outcome
	applyErr error
}

func (f *fakeFleet) Statuses(ctx context.Context) ([]fleet.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fleet.Status(nil), f.statuses...), f.err
}

func (f *fakeFleet) ResolveVerification(ctx context.Context, o verify.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, o)
	return f.applyErr
}

func (f *fakeFleet) applied() []verify.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]verify.Outcome(nil), f.outcomes...)
}

func status(id string, enabled bool, state gateway.State) fleet.Status {
	return fleet.Status{
		AccountID:  id,
		Enabled:    enabled,
		Connection: gateway.Snapshot{AccountID: id, State: state.String()},
	}
}

func newTestServer(t *testing.T, f *fakeFleet) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newRouter(StartOpts{
		Fleet:          f,
		Logger:         zerolog.Nop(),
		StatusInterval: 20 * time.Millisecond,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		statuses []fleet.Status
		err      error
		want     int
	}{
		{"running", []fleet.Status{status("a", true, gateway.StateRunning), status("b", true, gateway.StateConnecting)}, nil, http.StatusOK},
		{"none running", []fleet.Status{status("a", true, gateway.StateDisconnected)}, nil, http.StatusServiceUnavailable},
		{"all disabled", []fleet.Status{status("a", false, gateway.StateDisconnected)}, nil, http.StatusOK},
		{"store error", nil, errors.New("db down"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeFleet{statuses: tt.statuses, err: tt.err})
			resp, err := http.Get(srv.URL + "/healthz")
			if err != nil {
				t.Fatalf("GET /healthz: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestAccounts_List(t *testing.T) {
	srv := newTestServer(t, &fakeFleet{statuses: []fleet.Status{
		status("acct-1", true, gateway.StateRunning),
		status("acct-2", false, gateway.StateDisconnected),
	}})

	resp, err := http.Get(srv.URL + "/api/accounts")
	if err != nil {
		t.Fatalf("GET /api/accounts: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got []fleet.Status
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].AccountID != "acct-1" || got[0].Connection.State != "running" {
		t.Errorf("accounts = %+v", got)
	}
}

func TestAccounts_Single(t *testing.T) {
	srv := newTestServer(t, &fakeFleet{statuses: []fleet.Status{status("acct-1", true, gateway.StateRunning)}})

	resp, err := http.Get(srv.URL + "/api/accounts/acct-1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("known account status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/accounts/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown account status = %d, want 404", resp.StatusCode)
	}
}

func TestCaptchaCallback(t *testing.T) {
	f := &fakeFleet{}
	srv := newTestServer(t, f)

	body := `{"account_id":"acct-1","success":false,"reason":"wrong answer"}`
	resp, err := http.Post(srv.URL+"/captcha/callback", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	got := f.applied()
	if len(got) != 1 {
		t.Fatalf("applied %d outcomes, want 1", len(got))
	}
	if got[0].AccountID != "acct-1" || got[0].Success || got[0].Reason != "wrong answer" {
		t.Errorf("outcome = %+v", got[0])
	}
}

func TestCaptchaCallback_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		applyErr error
		want     int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"missing account", `{"success":true}`, nil, http.StatusBadRequest},
		{"apply error", `{"account_id":"acct-1","success":true}`, errors.New("no such account"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeFleet{applyErr: tt.applyErr})
			resp, err := http.Post(srv.URL+"/captcha/callback", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	srv := newTestServer(t, &fakeFleet{})
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	sc := bufio.NewScanner(resp.Body)
	found := false
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "go_goroutines") {
			found = true
			break
		}
	}
	if !found {
		t.Error("go_goroutines metric missing")
	}
}

func TestEvents_StreamsStatuses(t *testing.T) {
	srv := newTestServer(t, &fakeFleet{statuses: []fleet.Status{status("acct-1", true, gateway.StateRunning)}})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	var events []string
	for sc.Scan() && len(events) < 2 {
		if ev, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, ev)
		}
	}
	if len(events) != 2 || events[0] != "connected" || events[1] != "accounts" {
		t.Errorf("events = %v, want [connected accounts]", events)
	}
}

func TestWriteSSE(t *testing.T) {
	var sb strings.Builder
	writeSSE(&sb, "accounts", map[string]int{"n": 1})
	if got := sb.String(); got != "event: accounts\ndata: {\"n\":1}\n\n" {
		t.Errorf("writeSSE = %q", got)
	}
}

func TestStart_RequiresFleet(t *testing.T) {
	if err := Start(context.Background(), StartOpts{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestStart_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Start(ctx, StartOpts{Fleet: &fakeFleet{}, Listen: "127.0.0.1:0"})
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
