package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/rzbill/flomq/internal/broker"
	cfgpkg "github.com/rzbill/flomq/internal/config"
)

func testConfig(dir string) cfgpkg.Config {
	cfg := cfgpkg.Default()
	cfg.DataDir = dir
	cfg.Journal.BlockSize = 4096
	cfg.Journal.Sync = false
	cfg.Storage.Fsync = "never"
	return cfg
}

func TestOpenCloseHealth(t *testing.T) {
	rt, err := Open(Options{Config: testConfig(t.TempDir())})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); err == nil {
		t.Fatalf("closed runtime should be unhealthy")
	}
}

func TestDurableMessageSurvivesReopen(t *testing.T) {
	cfg := testConfig(t.TempDir())
	rt, err := Open(Options{Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := rt.Broker().Declare("orders", broker.AddressOptions{}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	done := make(chan error, 1)
	_, err = rt.Broker().Send(context.Background(), "orders", broker.SendRequest{
		Durable:   true,
		Body:      []byte("hello"),
		OnSettled: func(_ uint64, err error) { done <- err },
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rt, err = Open(Options{Config: cfg})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rt.Close()
	r, err := rt.Broker().Subscribe("orders", broker.SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer r.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := r.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(d.Message.Body) != "hello" {
		t.Fatalf("body = %q", d.Message.Body)
	}
}
