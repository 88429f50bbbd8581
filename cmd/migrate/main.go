package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"hisadmin.org/internal/migrate"
	"hisadmin.org/internal/obs"
	"hisadmin.org/internal/store/pg"
	"hisadmin.org/migrations"
)

const usage = "usage: migrate [flags] up|down|seed|status"

func main() {
	fs := pflag.NewFlagSet("migrate", pflag.ExitOnError)
	dsn := fs.String("dsn", os.Getenv("HISADMIN_DATABASE_DSN"), "PostgreSQL DSN")
	timeout := fs.Duration("timeout", time.Minute, "overall deadline")
	logLevel := fs.String("log-level", "info", "log level")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	logger, err := obs.NewLogger(*logLevel, "console", "hisadmin-migrate")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if *dsn == "" {
		logger.Fatal("missing DSN: provide --dsn or HISADMIN_DATABASE_DSN")
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := pg.Open(*dsn, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	mgr := migrate.NewManager(db.DB(), migrations.Schema(), migrations.Seeds(), migrate.WithLogger(logger))

	cmd := fs.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var entries []migrate.Entry
		entries, err = mgr.Status(ctx)
		for _, e := range entries {
			fmt.Println(e)
		}
	default:
		fs.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
}
