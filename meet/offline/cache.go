package offline

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// CacheStore holds cached responses keyed by (cache name, url) in sqlite.
// A cache name is either a generation-tagged shell cache or the long-lived
// tile cache.
type CacheStore struct {
	stateLock sync.Mutex
	db        *sql.DB
}

func NewCacheStore(path string) (*CacheStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			cache_name TEXT NOT NULL,
			url TEXT NOT NULL,
			status INTEGER NOT NULL,
			headers TEXT NOT NULL,
			body BLOB NOT NULL,
			stored_at INTEGER NOT NULL,
			PRIMARY KEY (cache_name, url)
		)
	`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &CacheStore{
		db: db,
	}, nil
}

type CachedResponse struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Response materializes the cached entry as a fresh http.Response.
func (self *CachedResponse) Response(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    self.Status,
		Status:        http.StatusText(self.Status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        self.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(self.Body)),
		ContentLength: int64(len(self.Body)),
		Request:       req,
	}
}

func (self *CacheStore) Put(cacheName string, url string, status int, header http.Header, body []byte) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, err = self.db.Exec(`
		INSERT OR REPLACE INTO cache_entries (cache_name, url, status, headers, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, cacheName, url, status, string(headerBytes), body, time.Now().UnixMilli())
	return err
}

// Get returns nil with no error on a miss.
func (self *CacheStore) Get(cacheName string, url string) (*CachedResponse, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	row := self.db.QueryRow(`
		SELECT status, headers, body, stored_at FROM cache_entries
		WHERE cache_name = ? AND url = ?
	`, cacheName, url)
	var status int
	var headersStr string
	var body []byte
	var storedAt int64
	if err := row.Scan(&status, &headersStr, &body, &storedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	header := http.Header{}
	if err := json.Unmarshal([]byte(headersStr), &header); err != nil {
		return nil, err
	}
	return &CachedResponse{
		Status:   status,
		Header:   header,
		Body:     body,
		StoredAt: time.UnixMilli(storedAt),
	}, nil
}

// Delete drops an entire named cache.
func (self *CacheStore) Delete(cacheName string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, err := self.db.Exec(`DELETE FROM cache_entries WHERE cache_name = ?`, cacheName)
	return err
}

func (self *CacheStore) CacheNames() ([]string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	rows, err := self.db.Query(`SELECT DISTINCT cache_name FROM cache_entries ORDER BY cache_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cacheNames := []string{}
	for rows.Next() {
		var cacheName string
		if err := rows.Scan(&cacheName); err != nil {
			return nil, err
		}
		cacheNames = append(cacheNames, cacheName)
	}
	return cacheNames, rows.Err()
}

func (self *CacheStore) Count(cacheName string) (int, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	row := self.db.QueryRow(`SELECT COUNT(*) FROM cache_entries WHERE cache_name = ?`, cacheName)
	var count int
	err := row.Scan(&count)
	return count, err
}

func (self *CacheStore) Close() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.db.Close()
}
