// Package staleness records when each (user, data type) pair was last fully
// vectorized, so rebuilds can be skipped while vectors are fresh.
//
// Timestamps only move forward. A tracker never gates queries; it only
// decides whether rebuild work is worth doing.
package staleness

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
)

// Record is the last complete vectorization of one user's data type.
type Record struct {
	UserID           string
	DataType         nutrition.DataType
	LastVectorizedAt time.Time
}

// Tracker stores staleness records.
type Tracker interface {
	// ShouldRebuild reports whether the pair has never been vectorized or was
	// last vectorized more than ttl ago.
	ShouldRebuild(ctx context.Context, userID string, dataType nutrition.DataType, ttl time.Duration) (bool, error)

	// MarkRebuilt records a completed vectorization at the given time. Older
	// marks never overwrite newer ones.
	MarkRebuilt(ctx context.Context, userID string, dataType nutrition.DataType, at time.Time) error

	// Get returns the record for the pair, if any.
	Get(ctx context.Context, userID string, dataType nutrition.DataType) (Record, bool, error)

	// Forget drops the record so the next check reports stale.
	Forget(ctx context.Context, userID string, dataType nutrition.DataType) error

	// Users lists every user with at least one record, sorted.
	Users(ctx context.Context) ([]string, error)
}

// isStale is the shared freshness rule.
func isStale(last, now time.Time, ttl time.Duration) bool {
	return last.IsZero() || now.Sub(last) > ttl
}

// MemoryTracker keeps records in process. Reads are lock-free; writes use a
// compare-and-swap loop so concurrent marks keep the newest time.
type MemoryTracker struct {
	// key "user\x00type" -> *atomic.Int64 holding unix nanos
	records sync.Map
	now     func() time.Time
}

// NewMemoryTracker returns an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{now: time.Now}
}

func memKey(userID string, dataType nutrition.DataType) string {
	return userID + "\x00" + string(dataType)
}

func (t *MemoryTracker) load(userID string, dataType nutrition.DataType) (time.Time, bool) {
	v, ok := t.records.Load(memKey(userID, dataType))
	if !ok {
		return time.Time{}, false
	}
	ns := v.(*atomic.Int64).Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns).UTC(), true
}

// ShouldRebuild implements Tracker.
func (t *MemoryTracker) ShouldRebuild(_ context.Context, userID string, dataType nutrition.DataType, ttl time.Duration) (bool, error) {
	last, _ := t.load(userID, dataType)
	return isStale(last, t.now(), ttl), nil
}

// MarkRebuilt implements Tracker.
func (t *MemoryTracker) MarkRebuilt(_ context.Context, userID string, dataType nutrition.DataType, at time.Time) error {
	if err := nutrition.ValidateUserID(userID); err != nil {
		return err
	}
	v, _ := t.records.LoadOrStore(memKey(userID, dataType), new(atomic.Int64))
	cell := v.(*atomic.Int64)
	next := at.UnixNano()
	for {
		cur := cell.Load()
		if cur >= next {
			return nil
		}
		if cell.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// Get implements Tracker.
func (t *MemoryTracker) Get(_ context.Context, userID string, dataType nutrition.DataType) (Record, bool, error) {
	last, ok := t.load(userID, dataType)
	if !ok {
		return Record{}, false, nil
	}
	return Record{UserID: userID, DataType: dataType, LastVectorizedAt: last}, true, nil
}

// Forget implements Tracker.
func (t *MemoryTracker) Forget(_ context.Context, userID string, dataType nutrition.DataType) error {
	t.records.Delete(memKey(userID, dataType))
	return nil
}

// Users implements Tracker.
func (t *MemoryTracker) Users(_ context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	t.records.Range(func(k, v any) bool {
		if v.(*atomic.Int64).Load() == 0 {
			return true
		}
		user, _, _ := strings.Cut(k.(string), "\x00")
		seen[user] = struct{}{}
		return true
	})
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}
