// Command iof is the client node. It signs on to the I/O nodes, mounts every
// projection they export under the mount prefix and forwards filesystem
// operations until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/iofwd/iof/internal/adapter"
	"github.com/iofwd/iof/internal/config"
)

type endpoints []string

func (e *endpoints) String() string { return strings.Join(*e, ",") }

func (e *endpoints) Set(v string) error {
	*e = append(*e, v)
	return nil
}

func main() {
	var nodes endpoints
	configFile := flag.String("config", "", "Path to the YAML configuration file")
	prefix := flag.String("prefix", "", "Directory the projections are mounted under (overrides the configuration)")
	logLevel := flag.String("log-level", "", "DEBUG, INFO, WARN or ERROR")
	allowOther := flag.Bool("allow-other", false, "Let other users access the mounts")
	flag.Var(&nodes, "node", "I/O node address, in failover order (repeatable)")
	flag.Parse()

	cfg := config.NewDefault()
	if *configFile != "" {
		if err := cfg.LoadFromFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "iof: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "iof: %v\n", err)
		os.Exit(1)
	}
	if len(nodes) > 0 {
		cfg.Transport.Endpoints = nodes
	}
	if *prefix != "" {
		cfg.Client.MountPrefix = *prefix
	}
	if *logLevel != "" {
		cfg.Global.LogLevel = strings.ToUpper(*logLevel)
	}
	if *allowOther {
		cfg.Client.AllowOther = true
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "iof: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Configuration) error {
	a, err := adapter.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background())
		return err
	}

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Transport.RPCTimeout)
	defer cancel()
	return a.Stop(shutdownCtx)
}
