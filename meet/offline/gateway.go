package offline

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
)

type ResourceClass int

const (
	// html navigation: network first, cache fallback, offline page last
	ResourceNavigation ResourceClass = iota
	// realtime/api endpoints: network only, stale data is misleading
	ResourceApi
	// map tiles: cache first with background revalidation
	ResourceTile
	// other static assets: cache first, network fallback populates
	ResourceStatic
	// non-GET and non-http(s): straight to the network
	ResourceBypass
)

func (self ResourceClass) String() string {
	switch self {
	case ResourceNavigation:
		return "navigation"
	case ResourceApi:
		return "api"
	case ResourceTile:
		return "tile"
	case ResourceStatic:
		return "static"
	default:
		return "bypass"
	}
}

type GatewaySettings struct {
	// cache name prefix; every generation cache is Namespace + "-" + tag
	Namespace string
	// current generation tag; exactly one generation is current
	Generation string
	// the tile cache lives outside the generations and survives activation
	TileCacheName  string
	TileHostSuffix string

	OfflinePath string
	// shell assets precached on install
	ShellAssets []string
	ApiPrefixes []string

	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
}

func DefaultGatewaySettings() *GatewaySettings {
	return &GatewaySettings{
		Namespace:      "simplemeet",
		Generation:     "v1.0.0",
		TileCacheName:  "osm-tiles",
		TileHostSuffix: "tile.openstreetmap.org",
		OfflinePath:    "/offline.html",
		ShellAssets: []string{
			"/",
			"/static/css/style.css",
			"/static/js/main.js",
			"/static/manifest.json",
			"/offline.html",
			"/static/icons/icon-192x192.png",
			"/static/icons/icon-512x512.png",
		},
		ApiPrefixes: []string{
			"/socket.io/",
			"/api/",
		},
		HttpTimeout:        30 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
	}
}

// Gateway fronts every outbound resource fetch, picking a caching strategy
// per resource class, and serves cached content when the network is
// unreachable. It operates independently of session state.
type Gateway struct {
	ctx context.Context

	settings *GatewaySettings

	baseUrl string
	cache   *CacheStore
	client  *http.Client
	online  func() bool
}

func NewGatewayWithDefaults(ctx context.Context, baseUrl string, cache *CacheStore) *Gateway {
	return NewGateway(ctx, baseUrl, cache, nil, DefaultGatewaySettings())
}

// online is the platform-reported connectivity signal; nil means assume
// online and rely on network errors alone.
func NewGateway(ctx context.Context, baseUrl string, cache *CacheStore, online func() bool, settings *GatewaySettings) *Gateway {
	if online == nil {
		online = func() bool {
			return true
		}
	}
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: dialer.DialContext,
		},
		Timeout: settings.HttpTimeout,
	}
	return &Gateway{
		ctx:      ctx,
		settings: settings,
		baseUrl:  strings.TrimSuffix(baseUrl, "/"),
		cache:    cache,
		client:   client,
		online:   online,
	}
}

func (self *Gateway) currentCacheName() string {
	return self.settings.Namespace + "-" + self.settings.Generation
}

func (self *Gateway) Classify(req *http.Request) ResourceClass {
	if req.Method != http.MethodGet {
		return ResourceBypass
	}
	switch req.URL.Scheme {
	case "http", "https":
	default:
		return ResourceBypass
	}

	if strings.HasSuffix(req.URL.Hostname(), self.settings.TileHostSuffix) {
		return ResourceTile
	}
	for _, apiPrefix := range self.settings.ApiPrefixes {
		if strings.HasPrefix(req.URL.Path, apiPrefix) {
			return ResourceApi
		}
	}
	if req.URL.Path == "/" || req.URL.Path == self.settings.OfflinePath {
		return ResourceNavigation
	}
	if strings.Contains(req.Header.Get("Accept"), "text/html") {
		return ResourceNavigation
	}
	return ResourceStatic
}

// Fetch intercepts one outbound request and applies the per-class strategy.
func (self *Gateway) Fetch(req *http.Request) (*http.Response, error) {
	class := self.Classify(req)
	glog.V(2).Infof("[gw]%s %s %s\n", class, req.Method, req.URL)

	switch class {
	case ResourceNavigation:
		return self.fetchNavigation(req)
	case ResourceApi:
		return self.fetchApi(req)
	case ResourceTile:
		return self.fetchTile(req)
	case ResourceStatic:
		return self.fetchStatic(req)
	default:
		return self.client.Do(req)
	}
}

// network first for fresh content, cache fallback, offline page last
func (self *Gateway) fetchNavigation(req *http.Request) (*http.Response, error) {
	if self.online() {
		resp, body, err := self.fetchAndRead(req)
		if err == nil {
			if resp.StatusCode < 400 {
				self.put(self.currentCacheName(), req.URL.String(), resp.StatusCode, resp.Header, body)
			}
			return replayResponse(req, resp, body), nil
		}
		glog.Infof("[gw]navigation network failed, trying cache: %s\n", err)
	}

	if cached, err := self.cache.Get(self.currentCacheName(), req.URL.String()); err == nil && cached != nil {
		return cached.Response(req), nil
	}
	if cached, err := self.cache.Get(self.currentCacheName(), self.url(self.settings.OfflinePath)); err == nil && cached != nil {
		return cached.Response(req), nil
	}
	return offlineResponse(req), nil
}

// network only. cached realtime data is actively misleading, so failure
// synthesizes a 503-equivalent offline error instead.
func (self *Gateway) fetchApi(req *http.Request) (*http.Response, error) {
	if self.online() {
		resp, err := self.client.Do(req)
		if err == nil {
			return resp, nil
		}
		glog.Infof("[gw]api request failed: %s\n", err)
	}
	return offlineResponse(req), nil
}

// cache first. a hit triggers an unconditional background revalidation
// that updates the cache without blocking the response.
func (self *Gateway) fetchTile(req *http.Request) (*http.Response, error) {
	tileCache := self.settings.TileCacheName

	if cached, err := self.cache.Get(tileCache, req.URL.String()); err == nil && cached != nil {
		go self.revalidateTile(req)
		return cached.Response(req), nil
	}

	resp, body, err := self.fetchAndRead(req)
	if err == nil {
		if resp.StatusCode < 400 {
			self.put(tileCache, req.URL.String(), resp.StatusCode, resp.Header, body)
		}
		return replayResponse(req, resp, body), nil
	}

	glog.V(2).Infof("[gw]tile miss offline %s\n", req.URL)
	return notFoundResponse(req), nil
}

func (self *Gateway) revalidateTile(req *http.Request) {
	revalidateReq := req.Clone(self.ctx)
	revalidateReq.Body = nil
	resp, body, err := self.fetchAndRead(revalidateReq)
	if err != nil {
		// background update failures are ignored
		return
	}
	if resp.StatusCode < 400 {
		self.put(self.settings.TileCacheName, req.URL.String(), resp.StatusCode, resp.Header, body)
	}
}

// cache first, network fallback that populates the cache on success
func (self *Gateway) fetchStatic(req *http.Request) (*http.Response, error) {
	cacheName := self.currentCacheName()

	if cached, err := self.cache.Get(cacheName, req.URL.String()); err == nil && cached != nil {
		return cached.Response(req), nil
	}

	resp, body, err := self.fetchAndRead(req)
	if err == nil {
		if resp.StatusCode < 400 {
			self.put(cacheName, req.URL.String(), resp.StatusCode, resp.Header, body)
		}
		return replayResponse(req, resp, body), nil
	}

	glog.Infof("[gw]static request failed: %s\n", err)
	return notFoundResponse(req), nil
}

// Install eagerly pre-populates the current generation with the shell
// asset list. A failure to cache any individual asset is logged and
// skipped; partial pre-caching is acceptable.
func (self *Gateway) Install(ctx context.Context) error {
	cacheName := self.currentCacheName()
	cached := 0
	for _, asset := range self.settings.ShellAssets {
		assetUrl := self.url(asset)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetUrl, nil)
		if err != nil {
			glog.Infof("[gw]precache skip %s = %s\n", assetUrl, err)
			continue
		}
		resp, body, err := self.fetchAndRead(req)
		if err != nil || 400 <= resp.StatusCode {
			glog.Infof("[gw]precache skip %s\n", assetUrl)
			continue
		}
		if err := self.cache.Put(cacheName, assetUrl, resp.StatusCode, resp.Header, body); err != nil {
			glog.Infof("[gw]precache store %s = %s\n", assetUrl, err)
			continue
		}
		cached += 1
	}
	glog.Infof("[gw]installed %s with %d/%d assets\n", cacheName, cached, len(self.settings.ShellAssets))
	return nil
}

// Activate deletes every cache in this namespace other than the current
// generation. The tile cache is outside the namespace and survives.
func (self *Gateway) Activate(ctx context.Context) error {
	cacheNames, err := self.cache.CacheNames()
	if err != nil {
		return err
	}
	current := self.currentCacheName()
	for _, cacheName := range cacheNames {
		if !strings.HasPrefix(cacheName, self.settings.Namespace+"-") {
			continue
		}
		if cacheName == current {
			continue
		}
		glog.Infof("[gw]deleting old cache %s\n", cacheName)
		if err := self.cache.Delete(cacheName); err != nil {
			return err
		}
	}
	return nil
}

// ServeHTTP lets the gateway stand as a local proxy front: requests are
// resolved against the app origin and fetched with the class strategy.
func (self *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	outUrl := self.url(r.URL.RequestURI())
	req, err := http.NewRequestWithContext(r.Context(), r.Method, outUrl, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := self.Fetch(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (self *Gateway) url(pathOrUrl string) string {
	if u, err := url.Parse(pathOrUrl); err == nil && u.IsAbs() {
		return pathOrUrl
	}
	return self.baseUrl + pathOrUrl
}

func (self *Gateway) put(cacheName string, url string, status int, header http.Header, body []byte) {
	if err := self.cache.Put(cacheName, url, status, header, body); err != nil {
		glog.Infof("[gw]cache put %s = %s\n", url, err)
	}
}

func (self *Gateway) fetchAndRead(req *http.Request) (*http.Response, []byte, error) {
	resp, err := self.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func replayResponse(req *http.Request, resp *http.Response, body []byte) *http.Response {
	replay := *resp
	replay.Body = io.NopCloser(strings.NewReader(string(body)))
	replay.ContentLength = int64(len(body))
	replay.Request = req
	return &replay
}

// the synthesized 503-equivalent offline error
func offlineResponse(req *http.Request) *http.Response {
	body := `{"error":"offline","message":"You are currently offline. Please check your connection."}`
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode:    http.StatusServiceUnavailable,
		Status:        "Service Unavailable",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func notFoundResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Status:     "Not Found",
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}
}
