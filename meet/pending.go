package meet

import (
	"database/sql"
	"sync"
	"time"

	"github.com/golang/glog"
	_ "github.com/mattn/go-sqlite3"
)

// PendingLocation is the single-slot update held while offline.
// Latest wins; there is never more than one outstanding pending update.
type PendingLocation struct {
	Lat        float64
	Lon        float64
	Heading    *float64
	CapturedAt time.Time
	ShareCode  ShareCode
}

// PendingStore persists the pending slot in sqlite, overwritten in place.
// If the database cannot be opened the store degrades to memory only,
// since the client must keep working without disk.
type PendingStore struct {
	stateLock sync.Mutex
	db        *sql.DB
	memory    *PendingLocation
}

func NewPendingStore(path string) *PendingStore {
	store := &PendingStore{}
	db, err := sql.Open("sqlite3", path)
	if err == nil {
		db.SetMaxOpenConns(1)
		_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS pending_location (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				lat REAL NOT NULL,
				lon REAL NOT NULL,
				heading REAL,
				captured_at INTEGER NOT NULL,
				share_code TEXT NOT NULL
			)
		`)
		if err != nil {
			db.Close()
			db = nil
		}
	} else {
		db = nil
	}
	if db == nil {
		glog.Infof("[pending]open %s failed (%s), using memory store\n", path, err)
	}
	store.db = db
	return store
}

func NewMemoryPendingStore() *PendingStore {
	return &PendingStore{}
}

// Store overwrites the slot.
func (self *PendingStore) Store(pending *PendingLocation) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.memory = pending
	if self.db == nil {
		return nil
	}
	var heading sql.NullFloat64
	if pending.Heading != nil {
		heading = sql.NullFloat64{Float64: *pending.Heading, Valid: true}
	}
	_, err := self.db.Exec(`
		INSERT OR REPLACE INTO pending_location (id, lat, lon, heading, captured_at, share_code)
		VALUES (1, ?, ?, ?, ?, ?)
	`, pending.Lat, pending.Lon, heading, pending.CapturedAt.UnixMilli(), pending.ShareCode.String())
	return err
}

// Load returns the slot, or nil when empty.
func (self *PendingStore) Load() (*PendingLocation, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.db == nil {
		return self.memory, nil
	}

	row := self.db.QueryRow(`
		SELECT lat, lon, heading, captured_at, share_code FROM pending_location WHERE id = 1
	`)
	var lat float64
	var lon float64
	var heading sql.NullFloat64
	var capturedAt int64
	var shareCode string
	if err := row.Scan(&lat, &lon, &heading, &capturedAt, &shareCode); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	pending := &PendingLocation{
		Lat:        lat,
		Lon:        lon,
		CapturedAt: time.UnixMilli(capturedAt),
		ShareCode:  ShareCode(shareCode),
	}
	if heading.Valid {
		pending.Heading = &heading.Float64
	}
	return pending, nil
}

func (self *PendingStore) Clear() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.memory = nil
	if self.db == nil {
		return nil
	}
	_, err := self.db.Exec(`DELETE FROM pending_location WHERE id = 1`)
	return err
}

func (self *PendingStore) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.db != nil {
		self.db.Close()
		self.db = nil
	}
}
