package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mesmerverse/bootguard/peripheral"
)

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantID  uint32
		wantErr bool
	}{
		{"defaults", "", DefaultConfig().ID, false},
		{"override", "id: 0x11111125\nboot_message: hi\n", 0x11111125, false},
		{"reserved address", "id: 0x11111118\n", 0, true},
		{"unknown backend", "bus: {backend: spi}\n", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "component.yaml")
			if err := os.WriteFile(path, []byte(tt.data), 0600); err != nil {
				t.Fatal(err)
			}
			cfg, err := LoadConfig(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadConfig error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && cfg.ID != tt.wantID {
				t.Errorf("Expected ID 0x%08x, got 0x%08x", tt.wantID, cfg.ID)
			}
		})
	}
}

type fixedStatus peripheral.Status

func (f fixedStatus) Status() peripheral.Status { return peripheral.Status(f) }

func TestHealthEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		status     fixedStatus
		serving    bool
		wantReady  int
		wantHealth int
		wantState  string
	}{
		{
			name:       "preboot",
			status:     fixedStatus{ID: 0x11111124, State: peripheral.PreBoot.String()},
			serving:    true,
			wantReady:  http.StatusServiceUnavailable,
			wantHealth: http.StatusOK,
			wantState:  "preboot",
		},
		{
			name:       "booted without session",
			status:     fixedStatus{ID: 0x11111124, State: peripheral.PostBoot.String()},
			serving:    true,
			wantReady:  http.StatusServiceUnavailable,
			wantHealth: http.StatusOK,
			wantState:  "postboot",
		},
		{
			name:       "booted with session",
			status:     fixedStatus{ID: 0x11111124, State: peripheral.PostBoot.String(), Session: true, Nonce: 4},
			serving:    true,
			wantReady:  http.StatusOK,
			wantHealth: http.StatusOK,
			wantState:  "postboot",
		},
		{
			name:       "bus listener down",
			status:     fixedStatus{ID: 0x11111124, State: peripheral.PostBoot.String(), Session: true},
			serving:    false,
			wantReady:  http.StatusOK,
			wantHealth: http.StatusServiceUnavailable,
			wantState:  "postboot",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := NewHealthServer(0, tt.status)
			hs.MarkServing(tt.serving)
			srv := httptest.NewServer(hs.Handler())
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/ready")
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantReady {
				t.Errorf("Expected /ready %d, got %d", tt.wantReady, resp.StatusCode)
			}

			resp, err = http.Get(srv.URL + "/health")
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantHealth {
				t.Errorf("Expected /health %d, got %d", tt.wantHealth, resp.StatusCode)
			}
			var got HealthStatus
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatalf("Failed to decode health: %v", err)
			}
			if got.State != tt.wantState || got.ID != 0x11111124 || got.Nonce != tt.status.Nonce {
				t.Errorf("Unexpected health %+v", got)
			}
			if got.Healthy != tt.serving {
				t.Errorf("Expected healthy=%v, got %v", tt.serving, got.Healthy)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	st := fixedStatus{ID: 0x11111124, State: peripheral.PostBoot.String(), Session: true, Nonce: 7}
	rec := httptest.NewRecorder()
	NewHealthServer(0, st).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`bootguard_component_booted{id="0x11111124"} 1`,
		`bootguard_component_session{id="0x11111124"} 1`,
		`bootguard_component_nonce{id="0x11111124"} 7`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in metrics:\n%s", want, body)
		}
	}
}

type fakeApp struct {
	booted chan struct{}
	in     chan []byte
	out    chan []byte
}

func (f *fakeApp) WaitBoot(ctx context.Context) error {
	select {
	case <-f.booted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeApp) SecureReceive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeApp) SecureSend(ctx context.Context, data []byte) error {
	if string(data) == "fail" {
		return errors.New("send failed")
	}
	f.out <- data
	return nil
}

func TestRunEcho(t *testing.T) {
	f := &fakeApp{booted: make(chan struct{}), in: make(chan []byte), out: make(chan []byte, 1)}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runEcho(ctx, f) }()

	close(f.booted)
	f.in <- []byte("ping 1")
	if got := <-f.out; string(got) != "ping 1" {
		t.Errorf("Expected echo of ping 1, got %q", got)
	}

	f.in <- []byte("fail")
	if err := <-done; err == nil {
		t.Error("Expected send failure to stop the echo loop")
	}
}

func TestRunEchoStopsBeforeBoot(t *testing.T) {
	f := &fakeApp{booted: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := runEcho(ctx, f); err != nil {
		t.Errorf("Expected clean stop, got %v", err)
	}
}
