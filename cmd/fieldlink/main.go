package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"fieldlink/internal/fieldlink"
)

func main() {
	var configPath string
	var page string
	flag.StringVar(&configPath, "config", getenvDefault("FIELDLINK_CONFIG", "./fieldlink.yaml"), "path to fieldlink.yaml")
	flag.StringVar(&page, "preload", "", "page type to preload on startup")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := fieldlink.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	client, err := fieldlink.New(cfg, fieldlink.LogNotifier{Log: log}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init client")
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if page != "" {
		client.Preload(ctx, page)
	}

	log.Info().Str("tier", client.Tier().String()).Int("queued", client.QueueLen()).Msg("fieldlink agent running")

	<-ctx.Done()
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
