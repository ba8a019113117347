package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"

	"github.com/yfffy/simplemeet/meet"
	"github.com/yfffy/simplemeet/meet/offline"
)

const MeetCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Simple Meet control.

The server url defaults to MEET_SERVER_URL from the environment or .env,
falling back to ws://localhost:5000/ws.

Usage:
    meetctl create [--server=<url>] [--db=<path>] [--interval=<seconds>]
        [--lat=<lat>] [--lon=<lon>] [--no-qr]
    meetctl join <code> [--server=<url>] [--db=<path>] [--interval=<seconds>]
        [--lat=<lat>] [--lon=<lon>]
    meetctl pending [--db=<path>] [--clear]
    meetctl gateway [--listen=<addr>] [--origin=<url>] [--cache=<path>]
        [--generation=<tag>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --server=<url>         Share server websocket url.
    --db=<path>            Pending location database path [default: meet.db].
    --interval=<seconds>   Minimum seconds between location updates.
    --lat=<lat>            Replayed latitude [default: 51.505].
    --lon=<lon>            Replayed longitude [default: -0.09].
    --no-qr                Do not render the join QR code.
    --listen=<addr>        Gateway listen address [default: :8090].
    --origin=<url>         App origin the gateway fronts.
    --cache=<path>         Cache database path [default: cache.db].
    --generation=<tag>     Cache generation tag [default: v1.0.0].`

	// glog flags are set up before docopt takes over the arguments
	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse([]string{})

	godotenv.Load()

	opts, err := docopt.ParseArgs(usage, os.Args[1:], MeetCtlVersion)
	if err != nil {
		panic(err)
	}

	if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if pending_, _ := opts.Bool("pending"); pending_ {
		pending(opts)
	} else if gateway_, _ := opts.Bool("gateway"); gateway_ {
		gateway(opts)
	}
}

func create(opts docopt.Opts) {
	session, cancel := newSession(opts)
	defer cancel()

	ctx, requestCancel := context.WithTimeout(context.Background(), 30*time.Second)
	state, err := session.Create(ctx)
	requestCancel()
	if err != nil {
		Err.Fatalf("create failed: %s", err)
	}

	Out.Printf("Share code: %s (you are %s, color %s)", state.ShareCode, state.SelfUsername, state.SelfColor)
	if noQr, _ := opts.Bool("--no-qr"); !noQr {
		joinUrl := fmt.Sprintf("%s/?action=join&code=%s", httpOrigin(serverUrl(opts)), state.ShareCode)
		qrterminal.GenerateHalfBlock(joinUrl, qrterminal.L, os.Stdout)
	}

	stream(session)
}

func join(opts docopt.Opts) {
	session, cancel := newSession(opts)
	defer cancel()

	code, _ := opts.String("<code>")

	ctx, requestCancel := context.WithTimeout(context.Background(), 30*time.Second)
	state, err := session.Join(ctx, code)
	requestCancel()
	if err != nil {
		Err.Fatalf("join failed: %s", err)
	}

	Out.Printf("Joined share %s as %s (color %s)", state.ShareCode, state.SelfUsername, state.SelfColor)
	stream(session)
}

// print presence and notices until interrupt, then leave cleanly
func stream(session *meet.Session) {
	session.Presence().AddChangeCallback(func(peers []*meet.PeerPresence) {
		lines := []string{}
		for _, peer := range peers {
			name := peer.DisplayName()
			if peer.IsSelf {
				name += " (You)"
			}
			if peer.HasFix() {
				lines = append(lines, fmt.Sprintf("  %s %s %0.5f,%0.5f", name, peer.DisplayColor(), *peer.Lat, *peer.Lon))
			} else {
				lines = append(lines, fmt.Sprintf("  %s %s (no fix)", name, peer.DisplayColor()))
			}
		}
		Out.Printf("Users in share:\n%s", strings.Join(lines, "\n"))
	})
	session.AddNoticeCallback(func(notice *meet.Notice) {
		Out.Printf("! %s", notice.Message)
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	session.Leave()
}

func pending(opts docopt.Opts) {
	dbPath := envOrOpt(opts, "--db", "MEET_DB_PATH", "meet.db")
	store := meet.NewPendingStore(dbPath)
	defer store.Close()

	if clear_, _ := opts.Bool("--clear"); clear_ {
		if err := store.Clear(); err != nil {
			Err.Fatalf("clear failed: %s", err)
		}
		Out.Printf("Pending location cleared.")
		return
	}

	pendingLocation, err := store.Load()
	if err != nil {
		Err.Fatalf("load failed: %s", err)
	}
	if pendingLocation == nil {
		Out.Printf("No pending location.")
		return
	}
	heading := "none"
	if pendingLocation.Heading != nil {
		heading = fmt.Sprintf("%0.1f", *pendingLocation.Heading)
	}
	Out.Printf(
		"Pending location for share %s: %0.5f,%0.5f heading=%s captured=%s",
		pendingLocation.ShareCode,
		pendingLocation.Lat,
		pendingLocation.Lon,
		heading,
		pendingLocation.CapturedAt.Format(time.RFC3339),
	)
}

func gateway(opts docopt.Opts) {
	listen, _ := opts.String("--listen")
	cachePath := envOrOpt(opts, "--cache", "MEET_CACHE_PATH", "cache.db")
	origin := envOrOpt(opts, "--origin", "MEET_ORIGIN", httpOrigin(serverUrl(opts)))

	cache, err := offline.NewCacheStore(cachePath)
	if err != nil {
		Err.Fatalf("cache open failed: %s", err)
	}
	defer cache.Close()

	settings := offline.DefaultGatewaySettings()
	if generation, err := opts.String("--generation"); err == nil && generation != "" {
		settings.Generation = generation
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := offline.NewGateway(ctx, origin, cache, nil, settings)
	gw.Install(ctx)
	if err := gw.Activate(ctx); err != nil {
		Err.Fatalf("activate failed: %s", err)
	}

	Out.Printf("Offline gateway for %s listening on %s", origin, listen)
	if err := http.ListenAndServe(listen, gw); err != nil {
		Err.Fatalf("gateway: %s", err)
	}
}

func newSession(opts docopt.Opts) (*meet.Session, func()) {
	endpoint := serverUrl(opts)
	dbPath := envOrOpt(opts, "--db", "MEET_DB_PATH", "meet.db")

	lat := floatOpt(opts, "--lat", 51.505)
	lon := floatOpt(opts, "--lon", -0.09)
	source, err := meet.NewReplaySource([]*meet.Position{
		{Lat: lat, Lon: lon},
	}, 3*time.Second)
	if err != nil {
		Err.Fatalf("source: %s", err)
	}

	settings := meet.DefaultSessionSettings()
	if intervalStr, err := opts.String("--interval"); err == nil && intervalStr != "" {
		if seconds, err := strconv.Atoi(intervalStr); err == nil && 0 < seconds {
			settings.PipelineSettings.UpdateInterval = time.Duration(seconds) * time.Second
		}
	} else if intervalStr := os.Getenv("MEET_UPDATE_INTERVAL"); intervalStr != "" {
		if interval, err := time.ParseDuration(intervalStr); err == nil {
			settings.PipelineSettings.UpdateInterval = interval
		}
	}

	pendingStore := meet.NewPendingStore(dbPath)
	ctx, cancel := context.WithCancel(context.Background())
	session := meet.NewSession(ctx, endpoint, source, pendingStore, settings)
	return session, func() {
		session.Cancel()
		pendingStore.Close()
		cancel()
	}
}

func serverUrl(opts docopt.Opts) string {
	if server, err := opts.String("--server"); err == nil && server != "" {
		return server
	}
	if server := os.Getenv("MEET_SERVER_URL"); server != "" {
		return server
	}
	return "ws://localhost:5000/ws"
}

// ws(s) endpoint -> http(s) origin
func httpOrigin(wsUrl string) string {
	origin := wsUrl
	origin = strings.Replace(origin, "wss://", "https://", 1)
	origin = strings.Replace(origin, "ws://", "http://", 1)
	// strip the path
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(origin, prefix) {
			rest := origin[len(prefix):]
			if i := strings.Index(rest, "/"); 0 <= i {
				rest = rest[:i]
			}
			return prefix + rest
		}
	}
	return origin
}

func envOrOpt(opts docopt.Opts, opt string, env string, defaultValue string) string {
	if value, err := opts.String(opt); err == nil && value != "" && value != defaultValue {
		return value
	}
	if value := os.Getenv(env); value != "" {
		return value
	}
	if value, err := opts.String(opt); err == nil && value != "" {
		return value
	}
	return defaultValue
}

func floatOpt(opts docopt.Opts, opt string, defaultValue float64) float64 {
	if valueStr, err := opts.String(opt); err == nil && valueStr != "" {
		if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
			return value
		}
	}
	return defaultValue
}
