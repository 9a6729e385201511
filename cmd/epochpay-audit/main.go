package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"epochpay/config"
	"epochpay/services/aggregator"
)

func main() {
	configPath := flag.String("config", "./epochpay.toml", "Path to the configuration file")
	channel := flag.String("channel", "", "Channel to export")
	epoch := flag.Uint64("epoch", 0, "Sealed epoch to export")
	flag.Parse()

	if *channel == "" || *epoch == 0 {
		fmt.Fprintln(os.Stderr, "both -channel and -epoch are required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	store, err := aggregator.Open(cfg.AggregatorDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open aggregator store: %v\n", err)
		os.Exit(1)
	}

	path, err := store.ExportEpoch(context.Background(), cfg.ExportDir, *channel, *epoch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(path)
}
