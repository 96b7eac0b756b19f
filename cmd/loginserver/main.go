// loginserver - GCEmu login server.
//
// The login server accepts game client connections, negotiates a per
// connection security association over the default channel, and then
// serves the authenticated, encrypted login protocol on top of it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/gcemu-project/gcemu/internal/api"
	"github.com/gcemu-project/gcemu/internal/cli"
	"github.com/gcemu-project/gcemu/internal/config"
	"github.com/gcemu-project/gcemu/internal/crypto"
	"github.com/gcemu-project/gcemu/internal/db"
	"github.com/gcemu-project/gcemu/internal/events"
	"github.com/gcemu-project/gcemu/internal/login"
	"github.com/gcemu-project/gcemu/internal/network"
	"github.com/gcemu-project/gcemu/internal/scheduler"
	"github.com/gcemu-project/gcemu/internal/security"
	"github.com/gcemu-project/gcemu/internal/telemetry"
	"github.com/gcemu-project/gcemu/internal/util"
)

const (
	AppVersion = "1.0.0"
	Banner     = `
   ____  ____ _____
  / ___|/ ___| ____|_ __ ___  _   _
 | |  _| |   |  _| | '_ ' _ \| | | |
 | |_| | |___| |___| | | | | | |_| |
  \____|\____|_____|_| |_| |_|\__,_|  v%s
 Login Server
`
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	setup := flag.Bool("setup", false, "run the interactive setup wizard and exit")
	addAccount := flag.String("add-account", "", "create an account given as login:password and exit")
	noConsole := flag.Bool("no-console", false, "disable the interactive console")
	flag.Parse()

	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Defaults first; reconfigured once the config is loaded.
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting login server")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *setup {
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
		return
	}

	snap := cfg.Snapshot()
	if err := util.InitLogger(util.LogConfig{
		Level:      snap.Logging.Level,
		Directory:  snap.Logging.Directory,
		MaxBackups: snap.Logging.MaxBackups,
		Console:    snap.Logging.Console,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above or run with -setup")
	}

	// The transport cannot run on a broken cipher.
	if err := crypto.Init(); err != nil {
		log.Fatal().Err(err).Msg("crypto engine self-test failed")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cpu_threads", sysInfo.CPUThreads).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	database, accounts, err := openAccounts(snap.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	if *addAccount != "" {
		err := createAccount(accounts, *addAccount)
		database.Close()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create account")
		}
		return
	}

	if n, err := accounts.Count(); err == nil && n == 0 {
		log.Warn().Msg("no accounts in database, create one with -add-account login:password")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eventBus := events.NewEventBus()
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(_ context.Context, ev events.Event) error {
		if ev.Source != "main" {
			log.Info().Str("source", ev.Source).Msg("shutdown requested")
			cancel()
		}
		return nil
	})

	registry := security.NewRegistry()
	loginSrv := login.NewServer(ctx, registry, accounts, eventBus, login.Options{
		MaxFrameSize:      snap.Network.MaxFrameSize,
		CompressThreshold: snap.Login.CompressThreshold,
		MaxFailedAttempts: snap.Login.MaxFailedAttempts,
		LockoutWindow:     time.Duration(snap.Login.LockoutMinutes) * time.Minute,
	})

	listener, err := network.NewListener(ctx, network.ListenerConfig{
		Address:    snap.Network.BindAddress,
		Port:       snap.Network.Port,
		Groups:     snap.Network.Threads,
		BufferSize: snap.Network.InitialBufferSize,
	}, loginSrv.NewSession)
	if err != nil {
		database.Close()
		log.Fatal().Err(err).Msg("failed to start login listener")
	}

	var mqttHandler *telemetry.MQTTHandler
	if snap.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if snap.API.Enabled {
		apiServer := api.NewServer(cfg, listener, registry, loginSrv)
		g.Go(func() error {
			log.Info().Int("port", snap.API.Port).Msg("starting REST API server")
			if err := startWithRetry(gctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
			return nil
		})
	}

	if mqttHandler != nil {
		g.Go(func() error {
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(gctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
			return nil
		})
	}

	sched := scheduler.NewScheduler(cfg, eventBus, listener, registry, loginSrv, accounts)
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})

	if !*noConsole {
		console := cli.NewCLI(eventBus, listener, registry, loginSrv, os.Stdin, os.Stdout)
		g.Go(func() error {
			console.Start(gctx)
			return nil
		})
	}

	log.Info().
		Str("addr", listener.Addr().String()).
		Int("groups", len(listener.Groups())).
		Msg("login server ready")

	<-gctx.Done()
	log.Info().Msg("initiating graceful shutdown...")

	eventBus.Emit(context.Background(), events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	})

	shutdownErr := listener.Close()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		shutdownErr = multierr.Append(shutdownErr, err)
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	shutdownErr = multierr.Append(shutdownErr, database.Close())

	if shutdownErr != nil {
		for _, err := range multierr.Errors(shutdownErr) {
			log.Warn().Err(err).Msg("shutdown error")
		}
	}
	log.Info().Msg("login server stopped")
}

// openAccounts opens the database named by the "key=value" connection
// info and prepares the account store.
func openAccounts(dbCfg config.DatabaseConfig) (*db.Database, *db.AccountStore, error) {
	info := db.ParseConnectionInfo(dbCfg.Info)
	conns := dbCfg.Connections
	if v, ok := info["connections"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid connections value %q", v)
		}
		conns = n
	}

	database, err := db.NewDatabase(info["path"], conns)
	if err != nil {
		return nil, nil, err
	}
	accounts, err := db.NewAccountStore(database)
	if err != nil {
		return nil, nil, multierr.Append(err, database.Close())
	}
	return database, accounts, nil
}

func createAccount(accounts *db.AccountStore, pair string) error {
	loginName, password, ok := strings.Cut(pair, ":")
	if !ok || loginName == "" || password == "" {
		return errors.New("expected login:password")
	}
	account, err := accounts.CreateAccount(loginName, password)
	if err != nil {
		return err
	}
	log.Info().Int64("id", account.ID).Str("login", account.Login).Msg("account created")
	return nil
}

// startWithRetry retries startFn on bind errors with a fixed 3s interval.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
