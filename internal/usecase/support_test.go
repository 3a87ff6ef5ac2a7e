package usecase_test

import (
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/benchfleet/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/benchfleet/internal/adapter/store"
	"github.com/fairyhunter13/benchfleet/internal/domain"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(t.TempDir()+"/state.json", time.Hour)
}

func newTestBroker(t *testing.T) (*miniredis.Miniredis, *redisq.Broker) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := redisq.NewWithClient(rdb)
	t.Cleanup(func() {
		_ = b.Close()
		mr.Close()
	})
	return mr, b
}

func testWorker(udid string, caps ...string) domain.Worker {
	w := domain.Worker{
		DeviceName:   "mac-studio",
		IPAddress:    "10.0.0.5",
		Capabilities: caps,
		DeviceInfo:   map[string]any{"Soc": "M3 Max"},
		UDID:         udid,
	}
	w.WorkerID = domain.WorkerFingerprint(domain.FingerprintInfo{UDID: udid, DeviceName: w.DeviceName})
	return w
}
