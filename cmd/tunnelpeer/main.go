// Package main provides a demo peer binary that wires one Inlet and one
// Outlet back to back over an in-process proxymsg bus, standing in for "the
// surrounding peer" the tunnel data plane treats as an external
// collaborator (SPEC_FULL.md section 1).
//
// Usage:
//
//	tunnelpeer [flags]
//
// Flags:
//
//	-listen string     Inlet listen address (default ":9000")
//	-endpoint string   backend address the Outlet dials (default "127.0.0.1:80")
//	-transport string  "tcp" or "udp" (default "tcp")
//	-compress          enable compression
//	-method string     "none", "chacha20poly1305", or "aes-gcm" (default "none")
//	-debug             enable debug logging
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/nyancc/tunnelcore/lib/inlet"
	"github.com/nyancc/tunnelcore/lib/metrics"
	"github.com/nyancc/tunnelcore/lib/outlet"
	"github.com/nyancc/tunnelcore/lib/proxymsg"
)

// Config holds the demo peer's configuration.
type Config struct {
	ListenAddr string
	Endpoint   string
	Transport  string
	Compress   bool
	Method     string
	Debug      bool
}

func main() {
	cfg := parseFlags()

	log := logrus.New()
	log.SetOutput(os.Stdout)
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	log.WithFields(logrus.Fields{
		"listen":   cfg.ListenAddr,
		"endpoint": cfg.Endpoint,
	}).Info("starting tunnelpeer")

	transport := inlet.TransportTCP
	if cfg.Transport == "udp" {
		transport = inlet.TransportUDP
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	inletLog := log.WithField("side", "inlet")
	outletLog := log.WithField("side", "outlet")

	// The bus round-trips every message through proxymsg's wire codec so
	// the demo exercises the real encode/decode path, not just Go function
	// calls passing structs by pointer.
	var out *outlet.Outlet
	in := inlet.New(inlet.Config{
		ListenAddr:   cfg.ListenAddr,
		Transport:    transport,
		EndpointAddr: cfg.Endpoint,
		IsCompressed: cfg.Compress,
		MethodName:   cfg.Method,
	}, func(ctx context.Context, msg proxymsg.Message) error {
		wire, err := proxymsg.Encode(msg)
		if err != nil {
			return fmt.Errorf("tunnelpeer: encode i2o message: %w", err)
		}
		decoded, err := proxymsg.Decode(wire)
		if err != nil {
			return fmt.Errorf("tunnelpeer: decode i2o message: %w", err)
		}
		out.Input(ctx, decoded)
		return nil
	}, m, inletLog)

	out = outlet.New(outlet.Config{}, func(ctx context.Context, msg proxymsg.Message) error {
		wire, err := proxymsg.Encode(msg)
		if err != nil {
			return fmt.Errorf("tunnelpeer: encode o2i message: %w", err)
		}
		decoded, err := proxymsg.Decode(wire)
		if err != nil {
			return fmt.Errorf("tunnelpeer: decode o2i message: %w", err)
		}
		in.Input(ctx, decoded)
		return nil
	}, m, outletLog)

	if err := out.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start outlet")
		os.Exit(1)
	}
	if err := in.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start inlet")
		os.Exit(1)
	}

	log.WithField("addr", cfg.ListenAddr).Info("tunnelpeer listening")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("received shutdown signal")

	log.Info("shutting down...")
	if err := in.Stop(); err != nil {
		log.WithError(err).Warn("error stopping inlet")
	}
	if err := out.Stop(); err != nil {
		log.WithError(err).Warn("error stopping outlet")
	}
	cancel()
	log.Info("tunnelpeer stopped")
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.ListenAddr, "listen", ":9000", "Inlet listen address")
	flag.StringVar(&cfg.Endpoint, "endpoint", "127.0.0.1:80", "backend address the Outlet dials")
	flag.StringVar(&cfg.Transport, "transport", "tcp", `"tcp" or "udp"`)
	flag.BoolVar(&cfg.Compress, "compress", false, "enable compression")
	flag.StringVar(&cfg.Method, "method", "none", `"none", "chacha20poly1305", or "aes-gcm"`)
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")

	showHelp := flag.Bool("help", false, "show help message")

	flag.Parse()

	if *showHelp {
		fmt.Println("tunnelpeer - tunnelcore demo Inlet+Outlet peer")
		fmt.Println()
		fmt.Println("Usage: tunnelpeer [flags]")
		fmt.Println()
		fmt.Println("Flags:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Environment variables:")
		fmt.Println("  TUNNELPEER_LISTEN    Inlet listen address (overrides -listen)")
		fmt.Println("  TUNNELPEER_ENDPOINT  backend address (overrides -endpoint)")
		fmt.Println("  TUNNELPEER_DEBUG     enable debug logging (overrides -debug)")
		os.Exit(0)
	}

	if envListen := os.Getenv("TUNNELPEER_LISTEN"); envListen != "" {
		cfg.ListenAddr = envListen
	}
	if envEndpoint := os.Getenv("TUNNELPEER_ENDPOINT"); envEndpoint != "" {
		cfg.Endpoint = envEndpoint
	}
	if os.Getenv("TUNNELPEER_DEBUG") != "" {
		cfg.Debug = true
	}

	return cfg
}
