// Copyright (C) 2025 Canmi

// anchr is a userspace daemon exposing locally bound disk partitions as
// remotely accessible block devices over an authenticated, multiplexed
// transport. Partitions are bound from the configuration file or at
// runtime through the admin socket; remote peers claim read or write
// access per partition and issue block reads, writes, flushes and trims
// over concurrent streams.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name
// "internal" is reserved by go compiler and disallows its imports from
// different projects. Since we don't provide any reusable packages, we
// use internal directory.
//
// - internal/wire is the binary frame protocol spoken on every stream.
//
// - internal/transport is the QUIC endpoint with mutual certificate
// fingerprint authentication.
//
// - internal/device, internal/worker and internal/partition are the
// storage side: extent-bounded device access, per-partition serialized
// execution and the registry with the single-writer guarantee.
//
// - internal/session, internal/dispatch and internal/server are the
// protocol side: session lifecycle and budgets, request routing with
// cancellation, and the connection handling that ties it together.
//
// - internal/admin is the local control socket, internal/setup the
// offline provisioning (certificates, starter config) and
// internal/config the shared configuration package.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/canmi/anchr/internal/admin"
	"github.com/canmi/anchr/internal/config"
	"github.com/canmi/anchr/internal/partition"
	"github.com/canmi/anchr/internal/server"
	"github.com/canmi/anchr/internal/session"
	"github.com/canmi/anchr/internal/setup"
	"github.com/canmi/anchr/internal/transport"
)

// Parse configuration from file and environment variables, validate the
// trust material, bind the configured partitions and serve until
// signaled by SIGINT or SIGTERM to gracefully drain.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Init {
		if err := setup.WriteDefaultConfig(config.Cfg.ConfigPath); err != nil {
			log.Fatal().Err(err).Send()
		}
		log.Info().Str("config", config.Cfg.ConfigPath).Msg("configuration and certificate pair generated")
		return
	}

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	fp, err := setup.ValidateTrustMaterial(config.Cfg.Trust.Certificate, config.Cfg.Trust.PrivateKey)
	if err != nil {
		log.Fatal().Err(err).Msg("trust material not usable, run with -init to provision")
	}
	log.Info().Str("fingerprint", fp).Msg("daemon identity")

	allow, err := transport.NewAllowList(config.Cfg.Trust.Peers)
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	if allow.Len() == 0 {
		log.Warn().Msg("peer allow-list is empty, nobody can connect")
	}

	tlsConf, err := transport.ServerTLS(config.Cfg.Trust.Certificate, config.Cfg.Trust.PrivateKey, allow)
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	reg := partition.NewRegistry(config.Cfg.Limits.QueueDepth)
	sessions := session.NewManager()

	srv := server.New(reg, sessions, server.Options{
		Limits: session.Limits{
			MaxStreams:       config.Cfg.Limits.MaxStreams,
			MaxInflightBytes: config.Cfg.Limits.MaxInflight,
		},
		KeepaliveTimeout: time.Duration(config.Cfg.Keepalive.Timeout) * time.Second,
	})

	bindConfigured(reg)

	ln, err := transport.Listen(config.Cfg.Listen, tlsConf, transport.Options{
		MaxStreams:  int64(config.Cfg.Limits.MaxStreams) + 1,
		IdleTimeout: time.Duration(config.Cfg.Keepalive.Timeout) * time.Second,
		KeepAlive:   time.Duration(config.Cfg.Keepalive.Interval) * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	adm := runAdmin(reg, sessions, srv)

	ctx, cancel := context.WithCancel(context.Background())
	registerSigHandlers(cancel, srv, ln)

	if err := srv.Serve(ctx, ln); err != nil {
		log.Error().Err(err).Send()
	}

	if adm != nil {
		adm.Close()
	}
	reg.Close()

	log.Info().Msg("daemon stopped")
}

// Bind every partition from the configuration. A partition that fails
// to bind is logged and skipped so one bad path does not take the
// whole export set down; it can be bound later over the admin socket.
func bindConfigured(reg *partition.Registry) {
	for _, p := range config.Cfg.Partitions {
		err := reg.Bind(partition.Info{
			ID:        p.ID,
			Path:      p.Path,
			Base:      p.Base,
			Size:      p.Size,
			BlockSize: uint32(p.BlockSize),
			ReadOnly:  p.ReadOnly,
		})
		if err != nil {
			log.Error().Err(err).Str("partition", p.ID).Msg("binding partition")
		}
	}
}

// Start the admin socket unless disabled by an empty path.
func runAdmin(reg *partition.Registry, sessions *session.Manager, srv *server.Server) *admin.Server {
	if config.Cfg.Admin.Socket == "" {
		return nil
	}

	adm := admin.New(reg, sessions, srv.Dispatcher())
	if err := adm.Listen(config.Cfg.Admin.Socket); err != nil {
		log.Error().Err(err).Msg("admin socket disabled")
		return nil
	}
	go adm.Serve()

	return adm
}

// Register handler for graceful drain when SIGINT or SIGTERM came in.
func registerSigHandlers(cancel context.CancelFunc, srv *server.Server, ln *transport.Listener) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("Received interrupt, draining sessions!")

		sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
		srv.Shutdown(sctx)
		scancel()

		ln.Close()
		cancel()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
