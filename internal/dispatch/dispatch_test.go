package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rpcgateway/internal/breaker"
)

func server(status int, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func TestDispatchPOST_PrimarySuccessCreditsBreaker(t *testing.T) {
	primary := server(http.StatusOK, `{"result":"ok"}`)
	defer primary.Close()

	b := breaker.New(breaker.Config{FailureThreshold: 1, PrimaryURL: primary.URL})
	d := New(Config{Breaker: b})

	resp := d.DispatchPOST(context.Background(), http.Header{}, []byte(`{}`))
	if resp.ActuallyUsedFallback {
		t.Fatalf("expected primary success, not fallback")
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if b.Snapshot().State != "closed" {
		t.Fatalf("expected breaker closed after success")
	}
}

func TestDispatchPOST_PrimaryFailureFallsBackAndIsNotCredited(t *testing.T) {
	primary := server(http.StatusInternalServerError, "boom")
	defer primary.Close()
	fallback := server(http.StatusOK, `{"result":"fallback-ok"}`)
	defer fallback.Close()

	b := breaker.New(breaker.Config{
		FailureThreshold: 1,
		PrimaryURL:       primary.URL,
		FallbackURL:      fallback.URL,
		ResetTimeout:     time.Hour,
	})
	d := New(Config{Breaker: b})

	resp := d.DispatchPOST(context.Background(), http.Header{}, []byte(`{}`))
	if !resp.ActuallyUsedFallback {
		t.Fatalf("expected fallback to have been used")
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from fallback, got %d", resp.StatusCode)
	}
	if b.Snapshot().State != "open" {
		t.Fatalf("expected breaker opened by primary failure")
	}
}

func TestDispatchPOST_BothFailReturnsErrorBody(t *testing.T) {
	primary := server(http.StatusInternalServerError, "primary down")
	defer primary.Close()
	fallback := server(http.StatusInternalServerError, "fallback down")
	defer fallback.Close()

	b := breaker.New(breaker.Config{
		FailureThreshold: 1,
		PrimaryURL:       primary.URL,
		FallbackURL:      fallback.URL,
		ResetTimeout:     time.Hour,
	})
	d := New(Config{Breaker: b})

	resp := d.DispatchPOST(context.Background(), http.Header{}, []byte(`{}`))
	if len(resp.Body) == 0 {
		t.Fatalf("expected a non-empty error body for the client")
	}
	if resp.StatusCode < 500 {
		t.Fatalf("expected a 5xx status, got %d", resp.StatusCode)
	}
}

func TestDispatchPOST_OpenBreakerRoutesDirectlyToFallbackWithoutTouchingBreaker(t *testing.T) {
	primary := server(http.StatusOK, "should never be called")
	defer primary.Close()
	fallback := server(http.StatusOK, `{"result":"fallback-ok"}`)
	defer fallback.Close()

	b := breaker.New(breaker.Config{
		FailureThreshold: 1,
		PrimaryURL:       primary.URL,
		FallbackURL:      fallback.URL,
		ResetTimeout:     time.Hour,
	})
	b.Failure() // opens the breaker

	d := New(Config{Breaker: b})
	resp := d.DispatchPOST(context.Background(), http.Header{}, []byte(`{}`))
	if !resp.ActuallyUsedFallback {
		t.Fatalf("expected fallback route while breaker open")
	}
	if b.Snapshot().ConsecutiveFailures != 1 {
		t.Fatalf("expected fallback-only routing to not add failures, got %d", b.Snapshot().ConsecutiveFailures)
	}
}

func TestDispatchGET_IgnoresBreakerOnFailure(t *testing.T) {
	fallback := server(http.StatusOK, "fallback-alive")
	defer fallback.Close()

	b := breaker.New(breaker.Config{
		FailureThreshold: 1,
		PrimaryURL:       "http://127.0.0.1:0",
		FallbackURL:      fallback.URL,
		ResetTimeout:     time.Hour,
	})
	d := New(Config{Breaker: b})

	resp := d.DispatchGET(context.Background(), "corr-1")
	if !resp.ActuallyUsedFallback {
		t.Fatalf("expected GET to fall back when primary unreachable")
	}
	if b.Snapshot().State != "closed" || b.Snapshot().ConsecutiveFailures != 0 {
		t.Fatalf("expected GET outcomes to never touch breaker state")
	}
}
