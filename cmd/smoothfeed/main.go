// Package main runs the smoothfeed HTTP server, or answers a single smoothed
// read when -feed is given.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/R3E-Network/smoothfeed/internal/app/runtime"
	"github.com/R3E-Network/smoothfeed/internal/config"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	feedID := flag.String("feed", "", "Print the smoothed answer of this feed and exit")
	period := flag.Duration("period", -1, "Smoothing period for -feed (default: the feed's period)")
	var at unixTimeFlag
	flag.Var(&at, "at", "Query time for -feed as unix seconds (default: now)")
	flag.Parse()

	if *configPath == "" {
		*configPath = os.Getenv("SMOOTHFEED_CONFIG")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	app, err := runtime.NewApplication(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	if *feedID != "" {
		if err := query(app, *feedID, *period, at.t); err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Printf("Server error: %v", err)
	}
	if err := app.Shutdown(context.Background()); err != nil {
		log.Fatalf("Shutdown failed: %v", err)
	}
}

func query(app *runtime.Application, feedID string, period time.Duration, at *time.Time) error {
	defer app.Shutdown(context.Background())

	var periodArg *time.Duration
	if period != -1 {
		periodArg = &period
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ans, err := app.Service().SmoothedAnswer(ctx, feedID, periodArg, at)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s (period %s, latest round %d, rounds read %d)\n",
		ans.FeedID, ans.Answer, ans.Period, ans.LatestRound, ans.RoundsRead)
	return nil
}

// unixTimeFlag is a unix-seconds flag that stays nil until set, so that the
// epoch itself can be queried.
type unixTimeFlag struct {
	t *time.Time
}

func (f *unixTimeFlag) String() string {
	if f == nil || f.t == nil {
		return ""
	}
	return strconv.FormatInt(f.t.Unix(), 10)
}

func (f *unixTimeFlag) Set(raw string) error {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid unix time %q", raw)
	}
	t := time.Unix(secs, 0).UTC()
	f.t = &t
	return nil
}
