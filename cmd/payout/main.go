package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbvehbq/go-payout-service/internal/clock"
	"github.com/nbvehbq/go-payout-service/internal/logger"
	"github.com/nbvehbq/go-payout-service/internal/secret"
	"github.com/nbvehbq/go-payout-service/internal/server"
	"github.com/nbvehbq/go-payout-service/internal/storage/postgres"
	"github.com/nbvehbq/go-payout-service/internal/sweeper"
	"github.com/nbvehbq/go-payout-service/internal/withdrawal"
)

func main() {
	cfg, err := server.NewConfig()

	if err != nil {
		log.Fatal(err, "Load config")
	}

	if err := logger.Initialize(cfg.LogLevel); err != nil {
		log.Fatal(err, "initialize logger")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.System()
	db, err := postgres.NewStorage(ctx, cfg.DSN, clk)
	if err != nil {
		log.Fatal(err, "connect to db")
	}

	service := withdrawal.NewService(db, secret.NewGenerator(), clk, cfg.FeeAccount())

	sweep := sweeper.NewSweeper(db, service, clk, cfg.SweepInterval, cfg.SweepBatch)
	sweep.Run(ctx)

	srv, err := server.NewServer(db, cfg)
	if err != nil {
		log.Fatal(err, "create server")
	}

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

		<-stop

		nctx, cancel := context.WithTimeout(ctx, time.Second*10)
		defer cancel()

		if err := srv.Shutdown(nctx); err != nil {
			log.Fatal(err)
		}
	}()

	if err := srv.Run(ctx); err != nil {
		log.Fatal(err)
	}
}
