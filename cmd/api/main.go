package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"buyshield/clock"
	"buyshield/db"
	"buyshield/escrow"
	"buyshield/protection"
	"buyshield/scheduler"
	"buyshield/verification"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	clk := clock.NewSystem()

	rail := escrow.NewResilient(
		escrow.NewHTTPClient(os.Getenv("ESCROW_URL"), nil),
		escrow.NewBreaker(5, 30*time.Second, clk),
		escrow.DefaultRetryPolicy(),
		logger,
	)
	verifier := verification.NewHTTPClient(os.Getenv("VERIFIER_URL"), nil)

	repo := protection.NewPgRepository(pool, clk)
	svc := protection.NewService(repo, rail, verifier, clk)

	sweepInterval := time.Minute
	if raw := os.Getenv("SWEEP_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatalf("parse SWEEP_INTERVAL: %v", err)
		}
		sweepInterval = d
	}

	sweeper := scheduler.NewSweeper(repo, svc, clk, scheduler.Config{Interval: sweepInterval}, logger)

	logger.Info("buyshield protection service ready", "sweep_interval", sweepInterval.String())
	if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("sweeper stopped: %v", err)
	}
}
