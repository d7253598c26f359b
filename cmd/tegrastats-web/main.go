package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/skobkin/tegrastats-web/internal/app"
	"github.com/skobkin/tegrastats-web/internal/config"
	"github.com/skobkin/tegrastats-web/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

type flagValues struct {
	configFile        string
	listen            string
	logLevel          string
	maxClients        int
	broadcastInterval time.Duration
	sampleInterval    time.Duration
	tegrastats        string
	showVersion       bool
}

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	var flags flagValues
	flagSet := pflag.NewFlagSet("tegrastats-web", pflag.ContinueOnError)
	flagSet.StringVarP(&flags.configFile, "config", "c", os.Getenv("APP_CONFIG_FILE"), "YAML configuration file")
	flagSet.StringVar(&flags.listen, "listen", "", "HTTP listen address (overrides APP_LISTEN_ADDR)")
	flagSet.StringVar(&flags.logLevel, "log-level", "", "log level: DEBUG, INFO, WARN or ERROR")
	flagSet.IntVar(&flags.maxClients, "max-clients", 0, "maximum concurrent WebSocket clients")
	flagSet.DurationVar(&flags.broadcastInterval, "broadcast-interval", 0, "interval between WebSocket updates")
	flagSet.DurationVar(&flags.sampleInterval, "sample-interval", 0, "tegrastats sampling interval")
	flagSet.StringVar(&flags.tegrastats, "tegrastats", "", "path to the tegrastats executable")
	flagSet.BoolVar(&flags.showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if flags.showVersion {
		fmt.Println("tegrastats-web " + version.Current().String())
		return
	}

	cfg, err := loadConfig(flagSet, flags)
	if err != nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		slog.New(handler).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})
	logger := slog.New(handler)
	logger.Info("starting tegrastats-web", "version", version.Current().Version, "config_file", cfg.ConfigFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, logger, cfg); err != nil {
		logger.Error("application error", "err", err)
		os.Exit(1)
	}
}

// loadConfig layers explicitly set flags over the file and environment.
func loadConfig(flagSet *pflag.FlagSet, flags flagValues) (config.Config, error) {
	cfg, err := config.LoadFrom(strings.TrimSpace(flags.configFile))
	if err != nil {
		return config.Config{}, err
	}

	if flagSet.Changed("listen") {
		cfg.ListenAddr = flags.listen
	}
	if flagSet.Changed("log-level") {
		level, err := config.ParseLogLevel(flags.logLevel)
		if err != nil {
			return config.Config{}, fmt.Errorf("--log-level: %w", err)
		}
		cfg.LogLevel = level
	}
	if flagSet.Changed("max-clients") {
		cfg.WS.MaxClients = flags.maxClients
	}
	if flagSet.Changed("broadcast-interval") {
		cfg.BroadcastInterval = flags.broadcastInterval
	}
	if flagSet.Changed("sample-interval") {
		cfg.SampleInterval = flags.sampleInterval
	}
	if flagSet.Changed("tegrastats") {
		cfg.TegrastatsPath = flags.tegrastats
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
