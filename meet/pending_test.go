package meet

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestPendingStoreOverwriteInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meet.db")
	store := NewPendingStore(path)
	defer store.Close()

	pending, err := store.Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, pending, nil)

	capturedAt := time.Now().Truncate(time.Millisecond)
	err = store.Store(&PendingLocation{
		Lat:        51.5,
		Lon:        -0.09,
		CapturedAt: capturedAt,
		ShareCode:  "ABC-123",
	})
	assert.Equal(t, err, nil)

	// latest wins, there is only ever one slot
	err = store.Store(&PendingLocation{
		Lat:        51.6,
		Lon:        -0.1,
		Heading:    f64(270),
		CapturedAt: capturedAt.Add(time.Second),
		ShareCode:  "ABC-123",
	})
	assert.Equal(t, err, nil)

	pending, err = store.Load()
	assert.Equal(t, err, nil)
	assert.NotEqual(t, pending, nil)
	assert.Equal(t, pending.Lat, 51.6)
	assert.Equal(t, *pending.Heading, 270.0)
	assert.Equal(t, pending.ShareCode, ShareCode("ABC-123"))
	assert.Equal(t, pending.CapturedAt.UnixMilli(), capturedAt.Add(time.Second).UnixMilli())

	err = store.Clear()
	assert.Equal(t, err, nil)
	pending, err = store.Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, pending, nil)
}

func TestPendingStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meet.db")

	store := NewPendingStore(path)
	err := store.Store(&PendingLocation{
		Lat:        1,
		Lon:        2,
		CapturedAt: time.Now(),
		ShareCode:  "XYZ-999",
	})
	assert.Equal(t, err, nil)
	store.Close()

	reopened := NewPendingStore(path)
	defer reopened.Close()
	pending, err := reopened.Load()
	assert.Equal(t, err, nil)
	assert.NotEqual(t, pending, nil)
	assert.Equal(t, pending.ShareCode, ShareCode("XYZ-999"))
}

func TestPendingStoreMemoryFallback(t *testing.T) {
	store := NewMemoryPendingStore()

	err := store.Store(&PendingLocation{Lat: 5, Lon: 6, CapturedAt: time.Now(), ShareCode: "ABC-123"})
	assert.Equal(t, err, nil)

	pending, err := store.Load()
	assert.Equal(t, err, nil)
	assert.Equal(t, pending.Lat, 5.0)

	assert.Equal(t, store.Clear(), nil)
	pending, _ = store.Load()
	assert.Equal(t, pending, nil)
}
