// Command remote is the tunnel endpoint: it accepts the single TLS
// tunnel from a local proxy, demultiplexes CONNECT/DATA frames, and
// dials upstream targets on the local proxy's behalf (§4.2, §4.5, §6).
package main

import (
	"net"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"

	"splittun/internal/config"
	"splittun/internal/daemon"
	"splittun/internal/dnscache"
	"splittun/internal/logging"
	"splittun/internal/remoteproxy"
	"splittun/internal/tlstunnel"
)

func main() {
	cfg, err := config.ParseRemote(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	if cfg.Daemon {
		if err := daemon.Daemonize(); err != nil {
			log.Fatal().Err(err).Msg("failed to daemonize")
		}
	}

	if err := logging.Setup(cfg.LogLevel, logFileFor(cfg)); err != nil {
		log.Fatal().Err(err).Msg("failed to configure logging")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := daemon.WritePIDFile(cfg.PIDFile); err != nil {
		log.Fatal().Err(err).Msg("failed to write pid file")
	}
	defer daemon.RemovePIDFile(cfg.PIDFile)
	daemon.HandleShutdownSignals(cfg.PIDFile)

	tlsConfig, err := tlstunnel.ServerConfig(tlstunnel.Material{
		CAFile:   cfg.CAFile,
		CertFile: cfg.CertFile,
		KeyFile:  cfg.KeyFile,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build TLS config")
	}

	resolver := remoteproxy.NewResolver(cfg.DNS)
	cache := dnscache.New(dnscache.DefaultCapacity)

	maxPendingBytes := cfg.MaxPendingBytes
	if maxPendingBytes <= 0 {
		maxPendingBytes = remoteproxy.DefaultMaxPendingBytes
	}

	listenAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	ln, err := tlstunnel.Listen(listenAddr, tlsConfig)
	if err != nil {
		log.Fatal().Err(err).Str("addr", listenAddr).Msg("failed to start tunnel listener")
	}
	log.Info().Str("addr", listenAddr).Str("dns", cfg.DNS).Msg("remote proxy listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error().Err(err).Msg("tunnel accept failed")
			continue
		}
		log.Info().Str("peer", conn.RemoteAddr().String()).Msg("tunnel accepted")
		go serveTunnel(conn, resolver, cache, maxPendingBytes)
	}
}

// serveTunnel runs one tunnel connection's dispatcher to completion.
// Only one tunnel is meaningful at a time per §4.2, but nothing prevents
// a second local peer from connecting; each gets its own dispatcher and
// its own stream-id epoch, isolated from any other.
func serveTunnel(conn net.Conn, resolver *remoteproxy.Resolver, cache *dnscache.Cache, maxPendingBytes int) {
	defer conn.Close()
	dispatcher := remoteproxy.NewDispatcher(conn, resolver, cache, maxPendingBytes)
	if err := dispatcher.Run(); err != nil {
		log.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("tunnel closed")
	}
}

func logFileFor(cfg *config.RemoteConfig) string {
	if cfg.Daemon {
		return cfg.LogFile
	}
	return ""
}
