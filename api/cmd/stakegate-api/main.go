package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/malbeclabs/stakegate/api/app"
	"github.com/malbeclabs/stakegate/api/config"
	"github.com/malbeclabs/stakegate/api/handlers"
	"github.com/malbeclabs/stakegate/api/metrics"
	"github.com/malbeclabs/stakegate/api/server"
	"github.com/malbeclabs/stakegate/utils/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "Enable pprof server")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to serve the API on")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	configFlag := flag.String("config", "", "Path to the access policy file (defaults and STAKEGATE_* env only when empty)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "Maximum time to wait for in-flight requests and tracked calls during graceful shutdown")
	flag.Parse()

	log := logger.New(*verboseFlag)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("failed to load .env", "error", err)
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Release:     version,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
		}); err != nil {
			log.Warn("failed to initialize sentry", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			log.Info("sentry initialized")
		}
	}

	cfg, err := config.LoadGatewayConfig(*configFlag)
	if err != nil {
		return err
	}

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	infra := app.Infra{
		LevelDBPath: os.Getenv("LEVELDB_PATH"),
		GeoIPPath:   os.Getenv("GEOIP_DB_PATH"),
	}

	pgCfg, pgOK, err := config.PgConfigFromEnv()
	if err != nil {
		return err
	}
	if pgOK {
		pool, err := config.OpenPostgres(ctx, log, pgCfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		infra.Postgres = pool
	}

	redisCfg, redisOK, err := config.RedisConfigFromEnv()
	if err != nil {
		return err
	}
	if redisOK {
		client, err := config.OpenRedis(ctx, log, redisCfg)
		if err != nil {
			return err
		}
		defer client.Close()
		infra.Redis = client
	}

	gateway, err := app.New(ctx, log, cfg, infra, handlers.BuildInfo{Version: version, Commit: commit, Date: date})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), *shutdownTimeoutFlag)
		defer closeCancel()
		gateway.Close(closeCtx)
	}()

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		Handlers:        gateway.Handlers,
		Gate:            gateway.Gate,
	})
	if err != nil {
		return err
	}

	log.Info("starting stakegate api", "version", version, "commit", commit, "listenAddr", *listenAddrFlag, "ledger", cfg.Ledger.Kind, "payments", cfg.Payment.Enabled)
	return srv.Run(ctx)
}
