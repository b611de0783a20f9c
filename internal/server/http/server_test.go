package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rzbill/flomq/internal/broker"
	cfgpkg "github.com/rzbill/flomq/internal/config"
	"github.com/rzbill/flomq/internal/delivery"
	"github.com/rzbill/flomq/internal/runtime"
	logpkg "github.com/rzbill/flomq/pkg/log"
)

func openRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Journal.Sync = false
	rt, err := runtime.Open(runtime.Options{Config: cfg})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	logger, _ := logpkg.ApplyConfig(&logpkg.Config{Level: "error", Format: "text"})
	s := New(openRuntime(t), logger)
	if w := do(t, s, http.MethodGet, "/v1/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/v1/journal", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "blockSize") {
		t.Fatalf("journal: %d %s", w.Code, w.Body.String())
	}
}

func TestDeclareListAndStats(t *testing.T) {
	s := New(openRuntime(t), nil)

	w := do(t, s, http.MethodPost, "/v1/addresses", `{"name":"orders","mode":"topic","settleMode":"application-ack"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("declare: %d %s", w.Code, w.Body.String())
	}
	if w := do(t, s, http.MethodPost, "/v1/addresses", `{"name":"orders","mode":"bogus"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad mode: %d", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/v1/addresses", `{"name":"a/b"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad name: %d", w.Code)
	}

	w = do(t, s, http.MethodGet, "/v1/addresses", "")
	var list struct {
		Addresses []struct {
			Name string `json:"name"`
			Mode string `json:"mode"`
		} `json:"addresses"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Addresses) != 1 || list.Addresses[0].Mode != "fanout" {
		t.Fatalf("addresses = %+v", list.Addresses)
	}

	if w := do(t, s, http.MethodGet, "/v1/addresses/orders/stats", ""); w.Code != http.StatusOK {
		t.Fatalf("stats: %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/v1/addresses/missing/stats", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing stats: %d", w.Code)
	}
}

func TestDeadLetterEndpoints(t *testing.T) {
	rt := openRuntime(t)
	s := New(rt, nil)
	b := rt.Broker()
	if _, err := b.Declare("jobs", broker.AddressOptions{SettleMode: delivery.ApplicationAck}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	r, err := b.Subscribe("jobs", broker.SubscribeOptions{Name: "worker-1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer r.Close()
	if _, err := b.Send(context.Background(), "jobs", broker.SendRequest{Body: []byte("boom")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := r.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := d.Reject("poison"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		w := do(t, s, http.MethodGet, "/v1/addresses/jobs/deadletters?limit=10", "")
		if strings.Contains(w.Body.String(), `"reason":"poison"`) {
			if !strings.Contains(w.Body.String(), `"link":"worker-1"`) {
				t.Fatalf("missing link: %s", w.Body.String())
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dead letter never listed: %s", w.Body.String())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if w := do(t, s, http.MethodDelete, "/v1/addresses/jobs/deadletters", ""); w.Code != http.StatusNoContent {
		t.Fatalf("purge: %d", w.Code)
	}
	w := do(t, s, http.MethodGet, "/v1/addresses/jobs/deadletters", "")
	if !strings.Contains(w.Body.String(), `"deadLetters":[]`) {
		t.Fatalf("expected empty list, got %s", w.Body.String())
	}
}
