// Command keygend serves the occurrence key allocation API over HTTP,
// wiring package config, one of the package store backends, package
// keygen, and transport/rest together into a runnable server.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/gbif/keygen"
	"github.com/gbif/keygen/config"
	"github.com/gbif/keygen/store"
	"github.com/gbif/keygen/store/bboltstore"
	"github.com/gbif/keygen/store/etcdstore"
	"github.com/gbif/keygen/store/memory"
	"github.com/gbif/keygen/transport/rest"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to a keygen.yaml config file; if empty, defaults are used")
		addr         = flag.String("addr", ":8180", "address to listen on")
		backendKind  = flag.String("backend", "memory", "backend to use: memory, bbolt, or etcd")
		bboltPath    = flag.String("bbolt.path", "keygen.db", "bbolt database file path, used when -backend=bbolt")
		etcdEndpoint = flag.String("etcd.endpoints", "127.0.0.1:2379", "comma-separated etcd endpoints, used when -backend=etcd")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygend: could not build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger, *configPath, *addr, *backendKind, *bboltPath, *etcdEndpoint); err != nil {
		logger.Fatal("keygend exited with an error", zap.Error(err))
	}
}

func run(logger *zap.Logger, configPath, addr, backendKind, bboltPath, etcdEndpoints string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("keygend: %w", err)
		}
		cfg = loaded
	}

	backend, err := openBackend(backendKind, bboltPath, etcdEndpoints)
	if err != nil {
		return fmt.Errorf("keygend: %w", err)
	}
	defer backend.Close()

	service := keygen.New(backend, cfg, logger)

	frontend := rest.New()
	if err := frontend.Init(rest.Options{Service: service, Logger: logger}); err != nil {
		return fmt.Errorf("keygend: %w", err)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("keygend: could not listen on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr), zap.String("backend", backendKind))
		errCh <- frontend.Listen(listener)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
		if err := frontend.Stop(); err != nil {
			return err
		}
		return <-errCh
	}
}

func openBackend(kind, bboltPath, etcdEndpoints string) (store.Backend, error) {
	switch kind {
	case "memory":
		return memory.New(), nil
	case "bbolt":
		return bboltstore.New(bboltstore.Config{Path: bboltPath})
	case "etcd":
		endpoints := strings.Split(etcdEndpoints, ",")
		return etcdstore.New(etcdstore.Config{Endpoints: endpoints})
	default:
		return nil, fmt.Errorf("unknown -backend %q: want memory, bbolt, or etcd", kind)
	}
}
