/*
main.go - Application entry point

PURPOSE:
  Starts the FX lot ledger: either the HTTP server with its reconciliation
  scheduler, or a one-shot reconciliation that exits non-zero on drift.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE (serve):
  1. Load .env (if present), parse flags and environment
  2. Open the store (SQLite file/":memory:" or PostgreSQL) and migrate
  3. Connect the Redis writer lock, if configured
  4. Create service, API handler and router
  5. Start scheduler and server; shut both down on SIGINT/SIGTERM

CONFIGURATION (flag / env):
  --db-driver        FXLEDGER_DB_DRIVER        sqlite3 | postgres (default sqlite3)
  --dsn              FXLEDGER_DSN              SQLite path or Postgres URL (default fxledger.db)
  --log-level        FXLEDGER_LOG_LEVEL        logrus level (default info)
  --log-format       FXLEDGER_LOG_FORMAT       json | text (default json)
  --lot-page-size    FXLEDGER_LOT_PAGE_SIZE    lots fetched per FIFO page
  --verify-balances  FXLEDGER_VERIFY_BALANCES  compare balances with the ledger on read
  --allow-overdraft  FXLEDGER_ALLOW_OVERDRAFT
  --redis-addr       FXLEDGER_REDIS_ADDR       enables the cross-process writer lock
  --lock-ttl         FXLEDGER_LOCK_TTL
  serve:
  --port             FXLEDGER_PORT             (default 8080)
  --reconcile-every  FXLEDGER_RECONCILE_EVERY  0 disables the scheduler (default 1h)
  --cors-origins     FXLEDGER_CORS_ORIGINS     comma separated

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close database and Redis connections

EXAMPLES:
  ./server serve --dsn=./data/fxledger.db
  ./server serve --db-driver=postgres --dsn=postgres://fx@localhost/fx?sslmode=disable --redis-addr=localhost:6379
  ./server reconcile --dsn=./data/fxledger.db

SEE ALSO:
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/fxledger/api"
	"github.com/warp/fxledger/fifo"
	"github.com/warp/fxledger/lock"
	"github.com/warp/fxledger/store/sqlite"
)

// Globals are shared by every command.
type Globals struct {
	DBDriver       string        `help:"Database driver." enum:"sqlite3,postgres" default:"sqlite3" env:"FXLEDGER_DB_DRIVER"`
	DSN            string        `help:"SQLite path (or :memory:) or Postgres connection URL." default:"fxledger.db" env:"FXLEDGER_DSN"`
	LogLevel       string        `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"FXLEDGER_LOG_LEVEL"`
	LogFormat      string        `help:"Log format." enum:"json,text" default:"json" env:"FXLEDGER_LOG_FORMAT"`
	LotPageSize    int           `help:"Lots fetched per FIFO page." default:"64" env:"FXLEDGER_LOT_PAGE_SIZE"`
	VerifyBalances bool          `help:"Compare maintained balances with the ledger on every read." env:"FXLEDGER_VERIFY_BALANCES"`
	AllowOverdraft bool          `help:"Allow accounts to go negative." env:"FXLEDGER_ALLOW_OVERDRAFT"`
	RedisAddr      string        `help:"Redis address for the cross-process writer lock." env:"FXLEDGER_REDIS_ADDR"`
	LockTTL        time.Duration `help:"Writer lock expiry." default:"30s" env:"FXLEDGER_LOCK_TTL"`
}

type CLI struct {
	Globals

	Serve     ServeCmd     `cmd:"" default:"1" help:"Run the HTTP API and the reconciliation scheduler."`
	Reconcile ReconcileCmd `cmd:"" help:"Run every reconciliation check once and exit."`
}

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("fxledger"),
		kong.Description("FIFO lot ledger for foreign-currency inventory."),
		kong.UsageOnError(),
		kong.Bind(&cli.Globals),
	)
	ctx.FatalIfErrorf(ctx.Run())
}

// =============================================================================
// WIRING
// =============================================================================

// app is everything a command needs; close releases it.
type app struct {
	log   *logrus.Logger
	store *sqlite.Store
	svc   *fifo.Service
	rdb   *redis.Client
}

func newLogger(g *Globals, out io.Writer) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(out)
	if g.LogFormat == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(g.LogLevel)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	return log, nil
}

func openStore(g *Globals) (*sqlite.Store, error) {
	switch sqlite.Dialect(g.DBDriver) {
	case sqlite.SQLite:
		return sqlite.New(g.DSN)
	case sqlite.Postgres:
		return sqlite.Open(sqlite.Postgres, g.DSN)
	}
	return nil, fmt.Errorf("unsupported db driver %q", g.DBDriver)
}

func newApp(ctx context.Context, g *Globals, out io.Writer) (*app, error) {
	log, err := newLogger(g, out)
	if err != nil {
		return nil, err
	}
	store, err := openStore(g)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a := &app{log: log, store: store}

	opts := fifo.Options{
		LotPageSize:    g.LotPageSize,
		VerifyBalances: g.VerifyBalances,
		AllowOverdraft: g.AllowOverdraft,
		Logger:         log,
	}
	if g.RedisAddr != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: g.RedisAddr})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to connect redis at %s: %w", g.RedisAddr, err)
		}
		opts.Locker = lock.NewRedis(a.rdb, lock.RedisOptions{TTL: g.LockTTL, Logger: log})
		log.WithField("addr", g.RedisAddr).Info("using redis writer lock")
	}
	a.svc = fifo.NewService(store, opts)
	return a, nil
}

func (a *app) close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("close database")
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

type ServeCmd struct {
	Port           int           `help:"HTTP server port." default:"8080" env:"FXLEDGER_PORT"`
	ReconcileEvery time.Duration `help:"Reconciliation interval; 0 disables the scheduler." default:"1h" env:"FXLEDGER_RECONCILE_EVERY"`
	CORSOrigins    []string      `help:"Allowed CORS origins." env:"FXLEDGER_CORS_ORIGINS"`
}

func (cmd *ServeCmd) Run(g *Globals) error {
	a, err := newApp(context.Background(), g, os.Stdout)
	if err != nil {
		return err
	}
	defer a.close()

	handler := api.NewHandler(a.svc, a.store, a.log)
	router := api.NewRouter(handler, cmd.CORSOrigins)

	scheduler := api.NewReconciliationScheduler(a.svc, a.store, a.log)
	scheduler.Enabled = cmd.ReconcileEvery > 0
	if scheduler.Enabled {
		scheduler.CheckInterval = cmd.ReconcileEvery
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cmd.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.log.WithField("port", cmd.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	}

	a.log.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.log.Info("server stopped")
	return nil
}

// ReconcileCmd replaces ad-hoc consistency scripts: it reports, never repairs.
type ReconcileCmd struct {
	Record bool `help:"Also store the run in reconciliation_runs."`
}

func (cmd *ReconcileCmd) Run(g *Globals) error {
	return cmd.run(context.Background(), g, os.Stdout)
}

func (cmd *ReconcileCmd) run(ctx context.Context, g *Globals, out io.Writer) error {
	a, err := newApp(ctx, g, out)
	if err != nil {
		return err
	}
	defer a.close()

	var runs fifo.RunStore
	if cmd.Record {
		runs = a.store
	}
	run := api.NewReconciliationScheduler(a.svc, runs, a.log).RunNow(ctx)
	switch run.Status {
	case fifo.RunError:
		return errors.New(run.Error)
	case fifo.RunMismatch:
		return fmt.Errorf("%d reconciliation mismatches", run.Mismatches)
	}
	return nil
}
