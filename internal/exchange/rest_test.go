package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"quantpilot/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newRESTAdapter(t *testing.T, baseURL string, timeout time.Duration) *RESTAdapter {
	t.Helper()
	a := NewRESTAdapter("venue", config.ExchangeConfig{
		BaseURL:     baseURL,
		APIKey:      "key",
		Secret:      "secret",
		CallTimeout: timeout,
	}, time.Minute, quietLogger())
	t.Cleanup(func() { a.Close() })
	return a
}

func TestRESTAdapterFetchBalance(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/session":
			fmt.Fprint(w, `{"code":0,"token":"tok-1"}`)
		case "/api/v1/account/balance":
			if r.Header.Get("X-SESSION") != "tok-1" {
				fmt.Fprint(w, `{"code":401,"msg":"bad session"}`)
				return
			}
			fmt.Fprint(w, `{"code":0,"free_cash":100,"total_equity":250,"free_margin":80}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := newRESTAdapter(t, srv.URL, 2*time.Second)
	bal, err := a.FetchBalance(context.Background())
	if err != nil {
		t.Fatalf("fetch balance: %v", err)
	}
	if bal.FreeCash != 100 || bal.TotalEquity != 250 || bal.FreeMargin != 80 {
		t.Fatalf("balance = %+v", bal)
	}
}

// A first attempt that burns its whole timeout must not starve the re-login
// retry: each attempt carries its own deadline.
func TestRESTAdapterRetryGetsFreshDeadline(t *testing.T) {
	t.Parallel()
	const callTimeout = 150 * time.Millisecond

	var balanceCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/session":
			fmt.Fprint(w, `{"code":0,"token":"tok-1"}`)
		case "/api/v1/account/balance":
			if balanceCalls.Add(1) == 1 {
				// Stall past the per-attempt timeout; only the first
				// attempt may pay for this.
				time.Sleep(4 * callTimeout)
			}
			fmt.Fprint(w, `{"code":0,"free_cash":100,"total_equity":250,"free_margin":80}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := newRESTAdapter(t, srv.URL, callTimeout)
	bal, err := a.FetchBalance(context.Background())
	if err != nil {
		t.Fatalf("fetch balance after slow first attempt: %v", err)
	}
	if bal.TotalEquity != 250 {
		t.Fatalf("balance = %+v", bal)
	}
	if balanceCalls.Load() < 2 {
		t.Fatalf("balance calls = %d, want the retry to reach the venue", balanceCalls.Load())
	}
}

// A venue error code triggers exactly one re-login and retry.
func TestRESTAdapterReloginOnVenueError(t *testing.T) {
	t.Parallel()
	var logins atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/session":
			fmt.Fprintf(w, `{"code":0,"token":"tok-%d"}`, logins.Add(1))
		case "/api/v1/account/balance":
			if r.Header.Get("X-SESSION") == "tok-1" {
				fmt.Fprint(w, `{"code":1002,"msg":"session expired"}`)
				return
			}
			fmt.Fprint(w, `{"code":0,"free_cash":50,"total_equity":50,"free_margin":50}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := newRESTAdapter(t, srv.URL, 2*time.Second)
	bal, err := a.FetchBalance(context.Background())
	if err != nil {
		t.Fatalf("fetch balance: %v", err)
	}
	if bal.FreeCash != 50 {
		t.Fatalf("balance = %+v", bal)
	}
	if logins.Load() != 2 {
		t.Fatalf("logins = %d, want 2", logins.Load())
	}
}
