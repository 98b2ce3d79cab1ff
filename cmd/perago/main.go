package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/perago/internal/app"
	"github.com/ternarybob/perago/internal/common"
)

type configFlags []string

func (c *configFlags) String() string { return fmt.Sprint(*c) }

func (c *configFlags) Set(value string) error {
	*c = append(*c, value)
	return nil
}

func main() {
	var configs configFlags
	flag.Var(&configs, "config", "Path to a TOML config file (repeatable, later files override)")
	flag.Var(&configs, "c", "Path to a TOML config file (shorthand)")
	port := flag.Int("port", 0, "Override the ops server port")
	flag.IntVar(port, "p", 0, "Override the ops server port (shorthand)")
	host := flag.String("host", "", "Override the ops server host")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")
	flag.Parse()

	if *showVersion {
		fmt.Println(common.GetFullVersion())
		return
	}

	common.PrintBanner(common.GetVersion())

	config, err := common.LoadFromFiles(configs...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	common.ApplyFlagOverrides(config, *port, *host)

	logger := common.SetupLogger(config)

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize")
	}

	if err := application.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-application.ServerErr():
		if err != nil {
			logger.Error().Err(err).Msg("Ops server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Shutdown failed")
		os.Exit(1)
	}
}
