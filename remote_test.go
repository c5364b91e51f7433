package docremedy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// fastVendorConfig is test tuning: millisecond polls, tight bounds.
func fastVendorConfig(createURL, statusURL string) VendorConfig {
	return VendorConfig{
		CreateURL:      createURL,
		StatusURL:      statusURL,
		APIKeyHeader:   "X-API-KEY",
		PollInterval:   2 * time.Millisecond,
		BaseMaxWait:    2 * time.Second,
		StuckThreshold: 3,
		ExemptProgress: []int{99},
		MaxAttempts:    2,
	}
}

func writeTestInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 test"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// vendorServer simulates the task API: create returns a task id, status
// replays a scripted sequence, result serves the artifact.
func vendorServer(t *testing.T, statuses []taskStatus) *httptest.Server {
	t.Helper()
	var calls atomic.Int64

	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/create", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "task-777"})
	})
	mux.HandleFunc("/status/task-777", func(w http.ResponseWriter, r *http.Request) {
		i := int(calls.Add(1)) - 1
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		st := statuses[i]
		if st.State == 1 && st.File == "" {
			st.File = srv.URL + "/result"
		}
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/result", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4 cleaned"))
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemediationClient_Success(t *testing.T) {
	t.Parallel()

	srv := vendorServer(t, []taskStatus{
		{State: 0, Progress: 10},
		{State: 0, Progress: 60},
		{State: 1, Progress: 100},
	})

	pool := NewKeyPool([]string{"k1"})
	client := NewRemediationClient(srv.Client(), pool, fastVendorConfig(srv.URL+"/create", srv.URL+"/status"), testLogger())

	out := filepath.Join(t.TempDir(), "out.pdf")
	if err := client.Remediate(context.Background(), writeTestInput(t), out); err != nil {
		t.Fatalf("Remediate() error = %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading result: %v", err)
	}
	if string(data) != "%PDF-1.4 cleaned" {
		t.Errorf("result content = %q", data)
	}
}

func TestRemediationClient_VendorFatal(t *testing.T) {
	t.Parallel()

	srv := vendorServer(t, []taskStatus{
		{State: 0, Progress: 5},
		{State: -5},
	})

	pool := NewKeyPool([]string{"k1"})
	client := NewRemediationClient(srv.Client(), pool, fastVendorConfig(srv.URL+"/create", srv.URL+"/status"), testLogger())

	err := client.Remediate(context.Background(), writeTestInput(t), filepath.Join(t.TempDir(), "out.pdf"))

	var fatal *VendorFatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("Remediate() error = %v, want VendorFatalError", err)
	}
	if fatal.State != -5 || fatal.Cause != "file too large" {
		t.Errorf("VendorFatalError = %+v, want state -5 mapped to file too large", fatal)
	}
}

// Progress frozen at a non-exempt value past the stuck threshold raises
// ErrProgressStuck; the client retries with fresh tasks, then gives up.
func TestRemediationClient_ProgressStuck(t *testing.T) {
	t.Parallel()

	srv := vendorServer(t, []taskStatus{
		{State: 0, Progress: 42},
	})

	pool := NewKeyPool([]string{"k1"})
	client := NewRemediationClient(srv.Client(), pool, fastVendorConfig(srv.URL+"/create", srv.URL+"/status"), testLogger())

	err := client.Remediate(context.Background(), writeTestInput(t), filepath.Join(t.TempDir(), "out.pdf"))
	if !errors.Is(err, ErrProgressStuck) {
		t.Errorf("Remediate() error = %v, want ErrProgressStuck", err)
	}
}

// An exempt progress value is a known benign plateau: frozen 99 does not
// trigger stuck detection and the task completes.
func TestRemediationClient_ExemptPlateau(t *testing.T) {
	t.Parallel()

	srv := vendorServer(t, []taskStatus{
		{State: 0, Progress: 99},
		{State: 0, Progress: 99},
		{State: 0, Progress: 99},
		{State: 0, Progress: 99},
		{State: 0, Progress: 99},
		{State: 1, Progress: 100},
	})

	pool := NewKeyPool([]string{"k1"})
	client := NewRemediationClient(srv.Client(), pool, fastVendorConfig(srv.URL+"/create", srv.URL+"/status"), testLogger())

	out := filepath.Join(t.TempDir(), "out.pdf")
	if err := client.Remediate(context.Background(), writeTestInput(t), out); err != nil {
		t.Errorf("Remediate() error = %v, want success through the exempt plateau", err)
	}
}

// Given pool [k1, k2] and k1 returning a credit-exhaustion signal, the next
// attempt uses k2 and k1 is gone for the rest of the job.
func TestRemediationClient_KeyRotation(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/create", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") == "k1" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"no coins remaining"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "task-777"})
	})
	mux.HandleFunc("/status/task-777", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(taskStatus{State: 1, Progress: 100, File: srv.URL + "/result"})
	})
	mux.HandleFunc("/result", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4 cleaned"))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	pool := NewKeyPool([]string{"k1", "k2"})
	client := NewRemediationClient(srv.Client(), pool, fastVendorConfig(srv.URL+"/create", srv.URL+"/status"), testLogger())

	out := filepath.Join(t.TempDir(), "out.pdf")
	if err := client.Remediate(context.Background(), writeTestInput(t), out); err != nil {
		t.Fatalf("Remediate() error = %v", err)
	}

	if pool.Len() != 1 {
		t.Errorf("pool.Len() = %d, want 1 after rotation", pool.Len())
	}
	if key, _ := pool.Next(); key != "k2" {
		t.Errorf("pool.Next() = %q, want k2 (k1 permanently removed)", key)
	}
}

func TestRemediationClient_PoolExhaustion(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "quota exceeded")
	}))
	t.Cleanup(srv.Close)

	cfg := fastVendorConfig(srv.URL+"/create", srv.URL+"/status")
	cfg.MaxAttempts = 5

	pool := NewKeyPool([]string{"k1", "k2"})
	client := NewRemediationClient(srv.Client(), pool, cfg, testLogger())

	err := client.Remediate(context.Background(), writeTestInput(t), filepath.Join(t.TempDir(), "out.pdf"))
	if !errors.Is(err, ErrKeyPoolEmpty) {
		t.Errorf("Remediate() error = %v, want ErrKeyPoolEmpty", err)
	}
	if pool.Len() != 0 {
		t.Errorf("pool.Len() = %d, want 0", pool.Len())
	}
}

func TestVendorConfig_MaxWaitScalesWithSize(t *testing.T) {
	t.Parallel()

	cfg := DefaultVendorConfig()

	tests := []struct {
		name string
		size int64
		want time.Duration
	}{
		{
			name: "small file gets the baseline",
			size: 1 << 20,
			want: cfg.BaseMaxWait,
		},
		{
			name: "at the first tier boundary gets the baseline",
			size: 10 << 20,
			want: cfg.BaseMaxWait,
		},
		{
			name: "over first tier earns 25ms per KB",
			size: 20 << 20,
			want: cfg.BaseMaxWait + time.Duration((20<<20)/1024)*25*time.Millisecond,
		},
		{
			name: "over second tier earns 30ms per KB",
			size: 60 << 20,
			want: cfg.BaseMaxWait + time.Duration((60<<20)/1024)*30*time.Millisecond,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := cfg.maxWaitFor(tt.size); got != tt.want {
				t.Errorf("maxWaitFor(%d) = %s, want %s", tt.size, got, tt.want)
			}
		})
	}
}

func TestMentionsCreditExhaustion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		body string
		want bool
	}{
		{"daily quota exceeded", true},
		{"not enough CREDIT", true},
		{"0 coins left", true},
		{"internal server error", false},
		{"", false},
	}

	for _, tt := range tests {
		tt := tt
		if got := mentionsCreditExhaustion(tt.body); got != tt.want {
			t.Errorf("mentionsCreditExhaustion(%q) = %v, want %v", tt.body, got, tt.want)
		}
	}
}
