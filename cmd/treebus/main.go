// Package main provides the treebus broker entry point.
//
// The broker retains the last value published to each hierarchical topic and
// fans publications out to the subscribers of the topic and of all its
// ancestors, re-encoding per subscriber wire format. This entry point loads
// configuration, runs the broker service, and handles graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tenzoki/treebus/internal/broker"
	"github.com/tenzoki/treebus/internal/config"
)

func main() {
	var cfg *config.Config
	var configSource string

	// Determine config source using priority hierarchy
	if len(os.Args) >= 2 {
		// Use provided config file path from command line
		configFile := os.Args[1]
		loadedCfg, err := config.Load(configFile)
		if err != nil {
			log.Fatalf("Failed to load config from %s: %v", configFile, err)
		}
		cfg = loadedCfg
		configSource = fmt.Sprintf("config file: %s", configFile)
	} else if _, err := os.Stat("config/treebus.yaml"); err == nil {
		loadedCfg, err := config.Load("config/treebus.yaml")
		if err != nil {
			log.Printf("Warning: config/treebus.yaml exists but failed to load: %v", err)
			cfg = getDefaultConfig()
			configSource = "hardcoded defaults (config/treebus.yaml failed to parse)"
		} else {
			cfg = loadedCfg
			configSource = "config/treebus.yaml (default)"
		}
	} else {
		cfg = getDefaultConfig()
		configSource = "hardcoded defaults"
	}

	log.Printf("Starting treebus using %s", configSource)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	service := broker.NewService(broker.Config{
		Addr:  cfg.Broker.Addr(),
		Debug: cfg.Debug || cfg.Broker.Debug,
	})
	if err := service.Listen(); err != nil {
		log.Fatalf("Broker failed to start: %v", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := service.Serve(ctx); err != nil {
			log.Printf("Broker service error: %v", err)
		}
	}()

	log.Printf("treebus started: %s", cfg.AppName)
	log.Printf("Broker service on: %s", service.Addr())

	// Handle graceful shutdown signals from operating system
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %s, shutting down...", sig)
	case <-ctx.Done():
		log.Printf("Context cancelled, shutting down...")
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Broker shut down successfully")
	case <-time.After(10 * time.Second):
		log.Println("Shutdown timeout exceeded")
	}
}

// getDefaultConfig returns the hardcoded default configuration, used when no
// config file is specified and config/treebus.yaml is absent or broken.
func getDefaultConfig() *config.Config {
	return &config.Config{
		AppName: "treebus-default",
		Debug:   true,
		Broker: config.BrokerConfig{
			Host:  "localhost",
			Port:  "5000",
			Debug: true,
		},
	}
}
