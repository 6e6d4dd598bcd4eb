// Package main implements the arkilian-sink binary: one sink task writing
// mapped topics into time-indexed tables, served over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/arkilian/sink/internal/app"
	"github.com/arkilian/sink/internal/config"
	"github.com/arkilian/sink/internal/logging"
	"github.com/arkilian/sink/internal/task"
)

var (
	version = task.Version
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		clusterURI  string
		tables      string
		dataDir     string
		httpAddr    string
		grpcAddr    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&clusterURI, "cluster-uri", "", "Storage engine URI: sqlite://<path> or memory://")
	flag.StringVar(&tables, "tables", "", "Comma separated topic=table mappings")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for the journal and local archive")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP server address")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC health server address")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "arkilian-sink - write record streams into time-indexed tables\n\n")
		fmt.Fprintf(os.Stderr, "Usage: arkilian-sink [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  arkilian-sink --cluster-uri sqlite:///data/sink.db --tables events=events\n")
		fmt.Fprintf(os.Stderr, "  arkilian-sink --config /etc/arkilian/sink.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  ARKILIAN_SINK_CLUSTER_URI       Storage engine URI\n")
		fmt.Fprintf(os.Stderr, "  ARKILIAN_SINK_TABLES            Comma separated topic=table mappings\n")
		fmt.Fprintf(os.Stderr, "  ARKILIAN_SINK_TIMESTAMP_*       Timestamp resolver settings\n")
		fmt.Fprintf(os.Stderr, "  ARKILIAN_SINK_ARCHIVE_TYPE      Journal archive (none, local, s3)\n")
		fmt.Fprintf(os.Stderr, "  ARKILIAN_SINK_HTTP_ADDR         HTTP server address\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("arkilian-sink version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	log := logging.Component("main")

	cfg, err := loadConfig(configFile, clusterURI, tables, dataDir, httpAddr, grpcAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().
		Str("version", version).
		Str("cluster_uri", cfg.ClusterURI).
		Strs("tables", cfg.Tables).
		Str("resolver", cfg.Timestamp.Resolver).
		Str("archive", cfg.Archive.Type).
		Msg("starting arkilian-sink")

	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create application")
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start application")
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		os.Exit(1)
	}
}

// loadConfig layers the configuration file, environment and flags, in
// increasing priority.
func loadConfig(configFile, clusterURI, tables, dataDir, httpAddr, grpcAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if clusterURI != "" {
		cfg.ClusterURI = clusterURI
	}
	if tables != "" {
		cfg.Tables = nil
		for _, t := range strings.Split(tables, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.Tables = append(cfg.Tables, t)
			}
		}
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}

	return cfg, nil
}
