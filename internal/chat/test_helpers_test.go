package chat

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/internal/ids"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate chat schema: %v", err)
	}
	return db
}

type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newSteppingClock(start time.Time) *steppingClock {
	return &steppingClock{now: start, step: time.Second}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.now
	c.now = c.now.Add(c.step)
	return current
}

func newTestService(t *testing.T, relay Relay) *Service {
	t.Helper()
	clock := newSteppingClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	service, err := NewService(ServiceConfig{
		Database:   openTestDatabase(t),
		Clock:      clock.Now,
		IDProvider: ids.NewUUIDProvider(),
		Logger:     zap.NewNop(),
		Relay:      relay,
	})
	if err != nil {
		t.Fatalf("failed to construct chat service: %v", err)
	}
	return service
}

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]Change
	signal  chan struct{}
}

func newBatchRecorder() *batchRecorder {
	return &batchRecorder{signal: make(chan struct{}, 64)}
}

func (r *batchRecorder) handle(batch []Change) {
	r.mu.Lock()
	copied := append([]Change(nil), batch...)
	r.batches = append(r.batches, copied)
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *batchRecorder) waitFor(t *testing.T, count int) [][]Change {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		if len(r.batches) >= count {
			out := append([][]Change(nil), r.batches...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d batches", count)
		}
	}
}

func (r *batchRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}
