package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fxledger/fifo"
	"github.com/warp/fxledger/money"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("fxledger"), kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, ctx
}

func TestCLI_Defaults(t *testing.T) {
	cli, ctx := parse(t)

	assert.Equal(t, "serve", ctx.Command())
	assert.Equal(t, "sqlite3", cli.DBDriver)
	assert.Equal(t, "fxledger.db", cli.DSN)
	assert.Equal(t, 8080, cli.Serve.Port)
	assert.Equal(t, 64, cli.LotPageSize)
}

func TestCLI_Environment(t *testing.T) {
	t.Setenv("FXLEDGER_DB_DRIVER", "postgres")
	t.Setenv("FXLEDGER_DSN", "postgres://fx@localhost/fx")
	t.Setenv("FXLEDGER_PORT", "9090")
	t.Setenv("FXLEDGER_VERIFY_BALANCES", "true")

	cli, _ := parse(t, "serve")

	assert.Equal(t, "postgres", cli.DBDriver)
	assert.Equal(t, "postgres://fx@localhost/fx", cli.DSN)
	assert.Equal(t, 9090, cli.Serve.Port)
	assert.True(t, cli.VerifyBalances)
}

func TestReconcileCmd(t *testing.T) {
	// GIVEN: a file-backed book with one purchase
	dsn := filepath.Join(t.TempDir(), "fx.db")
	g := &Globals{DBDriver: "sqlite3", DSN: dsn, LogLevel: "info", LogFormat: "json", VerifyBalances: true}

	var out bytes.Buffer
	a, err := newApp(context.Background(), g, &out)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = a.svc.OpenAccount(ctx, fifo.AccountInput{ID: "cash", Name: "cash", Currency: money.Home})
	require.NoError(t, err)
	_, err = a.svc.Deposit(ctx, fifo.DepositInput{AccountID: "cash", Amount: money.FromInt(100, money.Home)})
	require.NoError(t, err)
	a.close()

	// WHEN: the reconcile command runs and records
	cmd := &ReconcileCmd{Record: true}
	require.NoError(t, cmd.run(ctx, g, &out))

	// THEN: the run is stored and logged as JSON
	a, err = newApp(ctx, g, &out)
	require.NoError(t, err)
	defer a.close()
	runs, err := a.store.ListReconciliationRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, fifo.RunOK, runs[0].Status)
	assert.Contains(t, out.String(), `"msg":"book reconciled"`)
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	_, err := openStore(&Globals{DBDriver: "mysql"})
	require.Error(t, err)
}
