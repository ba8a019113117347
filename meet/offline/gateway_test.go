package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestCache(t *testing.T) *CacheStore {
	cache, err := NewCacheStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cache.Close()
	})
	return cache
}

func getRequest(t *testing.T, url string) *http.Request {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClassify(t *testing.T) {
	gateway := NewGatewayWithDefaults(context.Background(), "http://app.local", newTestCache(t))

	htmlReq := getRequest(t, "http://app.local/share/ABC-123")
	htmlReq.Header.Set("Accept", "text/html,application/xhtml+xml")

	postReq, _ := http.NewRequest(http.MethodPost, "http://app.local/api/shares", nil)

	for _, classified := range []struct {
		req   *http.Request
		class ResourceClass
	}{
		{getRequest(t, "http://app.local/"), ResourceNavigation},
		{getRequest(t, "http://app.local/offline.html"), ResourceNavigation},
		{htmlReq, ResourceNavigation},
		{getRequest(t, "http://app.local/socket.io/?EIO=4"), ResourceApi},
		{getRequest(t, "http://app.local/api/shares"), ResourceApi},
		{getRequest(t, "https://a.tile.openstreetmap.org/12/2048/1362.png"), ResourceTile},
		{getRequest(t, "http://app.local/static/js/main.js"), ResourceStatic},
		{getRequest(t, "http://app.local/static/css/style.css"), ResourceStatic},
		{postReq, ResourceBypass},
	} {
		assert.Equal(t, gateway.Classify(classified.req), classified.class)
	}
}

func TestApiOfflineResponse(t *testing.T) {
	online := false
	gateway := NewGateway(
		context.Background(),
		"http://app.local",
		newTestCache(t),
		func() bool {
			return online
		},
		DefaultGatewaySettings(),
	)

	resp, err := gateway.Fetch(getRequest(t, "http://app.local/api/shares"))
	assert.Equal(t, err, nil)
	assert.Equal(t, resp.StatusCode, http.StatusServiceUnavailable)
	assert.Equal(t, resp.Header.Get("Content-Type"), "application/json")

	message := map[string]string{}
	err = json.Unmarshal([]byte(readBody(t, resp)), &message)
	assert.Equal(t, err, nil)
	assert.Equal(t, message["error"], "offline")
	assert.Equal(t, message["message"], "You are currently offline. Please check your connection.")
}

func TestStaticCacheFirstSurvivesServerLoss(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Header().Set("Content-Type", "text/css")
		fmt.Fprint(w, "body { margin: 0 }")
	}))

	gateway := NewGatewayWithDefaults(context.Background(), server.URL, newTestCache(t))

	assetUrl := server.URL + "/static/css/style.css"

	resp, err := gateway.Fetch(getRequest(t, assetUrl))
	assert.Equal(t, err, nil)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, readBody(t, resp), "body { margin: 0 }")
	assert.Equal(t, atomic.LoadInt64(&hits), int64(1))

	// the network goes away. the cached copy still serves.
	server.Close()

	resp, err = gateway.Fetch(getRequest(t, assetUrl))
	assert.Equal(t, err, nil)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, readBody(t, resp), "body { margin: 0 }")
	assert.Equal(t, resp.Header.Get("Content-Type"), "text/css")
	assert.Equal(t, atomic.LoadInt64(&hits), int64(1))
}

func TestStaticMissOfflineIsNotFound(t *testing.T) {
	gateway := NewGatewayWithDefaults(context.Background(), "http://127.0.0.1:1", newTestCache(t))

	resp, err := gateway.Fetch(getRequest(t, "http://127.0.0.1:1/static/js/main.js"))
	assert.Equal(t, err, nil)
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
}

func TestTileCacheFirstWithBackgroundRevalidation(t *testing.T) {
	var tileBody atomic.Value
	tileBody.Store("tile-v1")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		fmt.Fprint(w, tileBody.Load().(string))
	}))
	defer server.Close()

	cache := newTestCache(t)
	settings := DefaultGatewaySettings()
	// the test server stands in for the tile host
	settings.TileHostSuffix = "127.0.0.1"
	gateway := NewGateway(context.Background(), server.URL, cache, nil, settings)

	tileUrl := server.URL + "/12/2048/1362.png"
	req := getRequest(t, tileUrl)
	assert.Equal(t, gateway.Classify(req), ResourceTile)

	// miss: fetched from the network and cached
	resp, err := gateway.Fetch(req)
	assert.Equal(t, err, nil)
	assert.Equal(t, readBody(t, resp), "tile-v1")

	tileBody.Store("tile-v2")

	// hit: the stale copy serves immediately
	resp, err = gateway.Fetch(getRequest(t, tileUrl))
	assert.Equal(t, err, nil)
	assert.Equal(t, readBody(t, resp), "tile-v1")

	// and the revalidation lands in the cache behind it
	waitFor(t, 2*time.Second, func() bool {
		cached, err := cache.Get(settings.TileCacheName, tileUrl)
		return err == nil && cached != nil && string(cached.Body) == "tile-v2"
	})
}

func TestNavigationFallsBackToOfflinePage(t *testing.T) {
	cache := newTestCache(t)
	online := false
	settings := DefaultGatewaySettings()
	gateway := NewGateway(
		context.Background(),
		"http://app.local",
		cache,
		func() bool {
			return online
		},
		settings,
	)

	offlinePage := "<html><body>You are offline</body></html>"
	header := http.Header{}
	header.Set("Content-Type", "text/html")
	err := cache.Put(
		settings.Namespace+"-"+settings.Generation,
		"http://app.local"+settings.OfflinePath,
		http.StatusOK,
		header,
		[]byte(offlinePage),
	)
	assert.Equal(t, err, nil)

	// an uncached page while offline serves the precached offline page
	resp, err := gateway.Fetch(getRequest(t, "http://app.local/"))
	assert.Equal(t, err, nil)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, readBody(t, resp), offlinePage)
}

func TestNavigationOfflineWithoutCacheSynthesizesError(t *testing.T) {
	gateway := NewGateway(
		context.Background(),
		"http://app.local",
		newTestCache(t),
		func() bool {
			return false
		},
		DefaultGatewaySettings(),
	)

	resp, err := gateway.Fetch(getRequest(t, "http://app.local/"))
	assert.Equal(t, err, nil)
	assert.Equal(t, resp.StatusCode, http.StatusServiceUnavailable)
}

func TestInstallPartialAndActivatePurge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/offline.html", "/static/js/main.js":
			fmt.Fprintf(w, "content of %s", r.URL.Path)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	cache := newTestCache(t)
	settings := DefaultGatewaySettings()
	settings.Generation = "v1.1.0"
	settings.ShellAssets = []string{
		"/",
		"/offline.html",
		"/static/js/main.js",
		"/static/css/missing.css",
	}
	gateway := NewGateway(context.Background(), server.URL, cache, nil, settings)

	// leftovers from a previous generation, plus long-lived tiles
	oldCache := settings.Namespace + "-v1.0.0"
	cache.Put(oldCache, server.URL+"/", http.StatusOK, http.Header{}, []byte("old"))
	cache.Put(settings.TileCacheName, "https://a.tile.openstreetmap.org/1/1/1.png", http.StatusOK, http.Header{}, []byte("tile"))

	// a missing asset is skipped, not fatal
	err := gateway.Install(context.Background())
	assert.Equal(t, err, nil)

	current := settings.Namespace + "-" + settings.Generation
	count, err := cache.Count(current)
	assert.Equal(t, err, nil)
	assert.Equal(t, count, 3)

	err = gateway.Activate(context.Background())
	assert.Equal(t, err, nil)

	cacheNames, err := cache.CacheNames()
	assert.Equal(t, err, nil)
	assert.Equal(t, cacheNames, []string{settings.TileCacheName, current})

	oldCount, err := cache.Count(oldCache)
	assert.Equal(t, err, nil)
	assert.Equal(t, oldCount, 0)
}

func TestServeHTTPFrontsTheOrigin(t *testing.T) {
	var sawPost int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			atomic.AddInt64(&sawPost, 1)
			w.WriteHeader(http.StatusCreated)
			return
		}
		fmt.Fprint(w, "front page")
	}))
	defer server.Close()

	gateway := NewGatewayWithDefaults(context.Background(), server.URL, newTestCache(t))
	front := httptest.NewServer(gateway)
	defer front.Close()

	resp, err := http.Get(front.URL + "/")
	assert.Equal(t, err, nil)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	assert.Equal(t, readBody(t, resp), "front page")

	// non-GET passes straight through to the origin
	resp, err = http.Post(front.URL+"/api/shares", "application/json", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, resp.StatusCode, http.StatusCreated)
	resp.Body.Close()
	assert.Equal(t, atomic.LoadInt64(&sawPost), int64(1))
}
