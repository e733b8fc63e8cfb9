package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/stakegate/admin/internal/admin"
	"github.com/malbeclabs/stakegate/api/app"
	"github.com/malbeclabs/stakegate/api/config"
	"github.com/malbeclabs/stakegate/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	configFlag := flag.String("config", "", "Path to the access policy file (or set STAKEGATE_CONFIG env var)")

	// PostgreSQL configuration
	pgHostFlag := flag.String("pg-host", "localhost", "PostgreSQL host (or set POSTGRES_HOST env var)")
	pgPortFlag := flag.String("pg-port", "5432", "PostgreSQL port (or set POSTGRES_PORT env var)")
	pgDatabaseFlag := flag.String("pg-database", "", "PostgreSQL database name (or set POSTGRES_DB env var)")
	pgUsernameFlag := flag.String("pg-username", "", "PostgreSQL username (or set POSTGRES_USER env var)")
	pgPasswordFlag := flag.String("pg-password", "", "PostgreSQL password (or set POSTGRES_PASSWORD env var)")
	pgSSLModeFlag := flag.String("pg-sslmode", "disable", "PostgreSQL sslmode (or set POSTGRES_SSLMODE env var)")

	// Commands
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run PostgreSQL migrations using goose")
	pgMigrateDownFlag := flag.Bool("pg-migrate-down", false, "Roll back the last PostgreSQL migration")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show PostgreSQL migration status")
	paymentStatusFlag := flag.String("payment-status", "", "Show whether a payment tx hash has been consumed")
	paymentConsumeFlag := flag.String("payment-consume", "", "Mark a payment tx hash as consumed without a chain check")
	pendingRewardsFlag := flag.String("pending-rewards", "", "Show a wallet's pending rewards read from the staking ledger")
	callSummaryFlag := flag.Duration("call-summary", 0, "Summarize tracked calls by tier and outcome over this lookback (e.g. 24h)")
	pruneCallsFlag := flag.Duration("prune-calls", 0, "Delete tracked calls older than this age (e.g. 720h)")

	// Command options
	payerFlag := flag.String("payer", "", "Payer recorded with --payment-consume")
	noteFlag := flag.String("note", "", "Note recorded with --payment-consume")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if v := os.Getenv("STAKEGATE_CONFIG"); v != "" && *configFlag == "" {
		*configFlag = v
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		*pgHostFlag = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		*pgPortFlag = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		*pgDatabaseFlag = v
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		*pgUsernameFlag = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		*pgPasswordFlag = v
	}
	if v := os.Getenv("POSTGRES_SSLMODE"); v != "" {
		*pgSSLModeFlag = v
	}

	pgCfg := admin.PgMigrateConfig{
		Host:     *pgHostFlag,
		Port:     *pgPortFlag,
		Database: *pgDatabaseFlag,
		Username: *pgUsernameFlag,
		Password: *pgPasswordFlag,
		SSLMode:  *pgSSLModeFlag,
	}
	requirePG := func(cmd string) error {
		if pgCfg.Database == "" {
			return fmt.Errorf("--pg-database is required for %s", cmd)
		}
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Execute commands
	if *pgMigrateFlag {
		if err := requirePG("--pg-migrate"); err != nil {
			return err
		}
		return admin.PgMigrateUp(log, pgCfg)
	}

	if *pgMigrateDownFlag {
		if err := requirePG("--pg-migrate-down"); err != nil {
			return err
		}
		return admin.PgMigrateDown(log, pgCfg)
	}

	if *pgMigrateStatusFlag {
		if err := requirePG("--pg-migrate-status"); err != nil {
			return err
		}
		return admin.PgMigrateStatus(log, pgCfg)
	}

	if *callSummaryFlag > 0 || *pruneCallsFlag > 0 {
		if err := requirePG("--call-summary and --prune-calls"); err != nil {
			return err
		}
		pool, err := config.OpenPostgres(ctx, log, pgCfg.PgConfig())
		if err != nil {
			return err
		}
		defer pool.Close()

		if *callSummaryFlag > 0 {
			rows, err := admin.SummarizeCalls(ctx, pool, time.Now().Add(-*callSummaryFlag))
			if err != nil {
				return err
			}
			admin.PrintCallSummary(os.Stdout, rows)
			return nil
		}
		n, err := admin.PruneCalls(ctx, log, pool, admin.PruneCallsConfig{OlderThan: *pruneCallsFlag, DryRun: *dryRunFlag})
		if err != nil {
			return err
		}
		fmt.Printf("%d calls pruned\n", n)
		return nil
	}

	if *paymentStatusFlag == "" && *paymentConsumeFlag == "" && *pendingRewardsFlag == "" {
		return nil
	}

	cfg, err := config.LoadGatewayConfig(*configFlag)
	if err != nil {
		return err
	}

	if *pendingRewardsFlag != "" {
		ledger, closeLedger, err := app.OpenLedger(ctx, log, cfg.Ledger)
		if err != nil {
			return err
		}
		defer closeLedger()
		return admin.PendingRewards(ctx, os.Stdout, ledger, *pendingRewardsFlag)
	}

	// Payment commands need the store the API uses.
	infra := app.Infra{LevelDBPath: os.Getenv("LEVELDB_PATH")}
	if cfg.Payment.Store == config.StorePostgres {
		if err := requirePG("payment commands with payment.store postgres"); err != nil {
			return err
		}
		pool, err := config.OpenPostgres(ctx, log, pgCfg.PgConfig())
		if err != nil {
			return err
		}
		defer pool.Close()
		infra.Postgres = pool
	}
	if cfg.Payment.Store == config.StoreRedis {
		redisCfg, ok, err := config.RedisConfigFromEnv()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("REDIS_ADDR is required for payment commands with payment.store redis")
		}
		client, err := config.OpenRedis(ctx, log, redisCfg)
		if err != nil {
			return err
		}
		defer client.Close()
		infra.Redis = client
	}

	payments, closePayments, err := app.OpenPayments(ctx, log, cfg, infra)
	if err != nil {
		return err
	}
	defer closePayments()
	if payments == nil {
		return fmt.Errorf("payments are disabled in the access policy")
	}

	if *paymentStatusFlag != "" {
		return admin.PaymentStatus(ctx, os.Stdout, payments, *paymentStatusFlag)
	}
	return admin.ConsumePayment(ctx, log, os.Stdout, payments, admin.ConsumePaymentConfig{
		TxHash: *paymentConsumeFlag,
		Payer:  *payerFlag,
		Note:   *noteFlag,
		DryRun: *dryRunFlag,
	})
}
