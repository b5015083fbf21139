package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/bringyour/boardhub/realtime"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Boardhub real-time update hub.

The config file may be toml or yaml. Env overrides:
    BOARDHUB_JWT_SECRET, BOARDHUB_API_SECRET, BOARDHUB_PORT, BOARDHUB_STORE_KIND, BOARDHUB_STORE_URL

Usage:
    boardhub serve [--config=<config>] [--port=<port>] [--v=<v>]
    boardhub check-config [--config=<config>]
    boardhub token --user_id=<user_id> [--ttl=<ttl>] [--secret=<secret>] [--api]
    boardhub version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<config>      Config file path.
    -p --port=<port>       Listen port. Overrides the config.
    --v=<v>                Log verbosity [default: 0].
    --user_id=<user_id>    User id claim of the token.
    --ttl=<ttl>            Token lifetime [default: 24h].
    --secret=<secret>      Signing secret. Prompted for when omitted.
    --api                  Sign a service token for the call-in api.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if checkConfig_, _ := opts.Bool("check-config"); checkConfig_ {
		checkConfig(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if version_, _ := opts.Bool("version"); version_ {
		fmt.Printf("%s\n", RequireVersion())
	}
}

func loadConfig(opts docopt.Opts) *realtime.Config {
	configPath, _ := opts.String("--config")
	config, err := realtime.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	return config
}

func checkConfig(opts docopt.Opts) {
	config := loadConfig(opts)
	fmt.Printf("listen: %s\n", config.Server.ListenAddress)
	fmt.Printf("store: %s\n", config.Store.Kind)
	fmt.Printf("call-in api: %t\n", config.Auth.ApiSecret != "")
	fmt.Printf("heartbeat: %s (ping %s, liveness %s)\n", config.Heartbeat.Interval, config.Heartbeat.PingTimeout, config.Heartbeat.LivenessTimeout)
	fmt.Printf("presence: viewers %s, editors %s\n", config.Presence.ViewerTimeout, config.Presence.EditorTimeout)
}

func serve(opts docopt.Opts) {
	verbosity, _ := opts.Int("--v")
	if err := realtime.ConfigureLogging(verbosity); err != nil {
		panic(err)
	}
	defer glog.Flush()

	config := loadConfig(opts)
	if port, err := opts.Int("--port"); err == nil {
		config.Server.ListenAddress = fmt.Sprintf(":%d", port)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	store, err := realtime.TraceWithReturnError(
		fmt.Sprintf("[main]open %s store", config.Store.Kind),
		func() (realtime.CellStore, error) {
			return realtime.OpenCellStore(ctx, config.CellStoreSettings())
		},
	)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	verifier := realtime.NewJwtVerifier(config.Auth.JwtSecret)
	hub := realtime.NewHubWithDefaults(ctx, verifier)
	defer hub.Close()
	broadcaster := realtime.NewBroadcaster(hub)

	presence := realtime.NewPresenceTracker(ctx, broadcaster, config.PresenceSettings())
	defer presence.Close()
	presence.AttachHub(hub)
	go realtime.HandleError(presence.Run)

	heartbeat := realtime.NewHeartbeatMonitor(ctx, hub, config.HeartbeatSettings())
	defer heartbeat.Close()
	go realtime.HandleError(heartbeat.Run)

	resolver := realtime.NewConflictResolverWithDefaults(store)

	server := realtime.NewServer(ctx, hub, broadcaster, presence, resolver, verifier, config.ApiVerifier(), config.ServerSettings())

	fmt.Printf(
		"Boardhub %s on %s (store %s)\n",
		RequireVersion(),
		config.Server.ListenAddress,
		config.Store.Kind,
	)

	if err := server.ListenAndServe(); err != nil {
		glog.Errorf("[main]server error = %s\n", err)
		glog.Flush()
		os.Exit(1)
	}
}

func token(opts docopt.Opts) {
	userId, _ := opts.String("--user_id")

	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		panic(err)
	}

	secretEnv := "BOARDHUB_JWT_SECRET"
	if api, _ := opts.Bool("--api"); api {
		secretEnv = "BOARDHUB_API_SECRET"
	}

	secret, _ := opts.String("--secret")
	if secret == "" {
		secret = os.Getenv(secretEnv)
	}
	if secret == "" {
		if !term.IsTerminal(int(syscall.Stdin)) {
			fmt.Fprintf(os.Stderr, "No secret. Use --secret or %s.\n", secretEnv)
			os.Exit(1)
		}
		fmt.Fprint(os.Stderr, "Enter secret: ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		secret = string(secretBytes)
		fmt.Fprintf(os.Stderr, "\n")
	}

	signed, err := realtime.SignUserJwt(secret, userId, ttl)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", signed)
}

func RequireVersion() string {
	if version := os.Getenv("BOARDHUB_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
