package heartbeat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunSendsImmediatelyAndOnInterval(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New("test", srv.URL, 20*time.Millisecond, func() Info {
		return Info{Version: "test", NumDatabases: 1, NumCQs: 2}
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(55 * time.Millisecond)
	cancel()
	<-done

	if hits.Load() < 2 {
		t.Fatalf("expected at least 2 checks (immediate + 1 tick), got %d", hits.Load())
	}
}

func TestCheckOnceDoesNotPanicOnUnreachableEndpoint(t *testing.T) {
	c := New("test", "http://127.0.0.1:1", time.Hour, func() Info {
		return Info{Version: "test"}
	}, zerolog.Nop())
	c.checkOnce(context.Background())
}

func TestCheckOnceSendsAStableInstallID(t *testing.T) {
	var ids []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body Info
		_ = json.NewDecoder(r.Body).Decode(&body)
		ids = append(ids, body.InstallID)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New("test", srv.URL, time.Hour, func() Info {
		return Info{Version: "test"}
	}, zerolog.Nop())

	c.checkOnce(context.Background())
	c.checkOnce(context.Background())

	if len(ids) != 2 || ids[0] == "" || ids[0] != ids[1] {
		t.Fatalf("expected two identical non-empty install ids, got %v", ids)
	}
}
