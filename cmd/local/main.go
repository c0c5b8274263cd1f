// Command local is the SOCKS5 front-end: it accepts SOCKS5 clients and
// forwards their traffic over a single mutually-authenticated TLS tunnel
// to a remote peer (§4.1, §6).
package main

import (
	"net"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"

	"splittun/internal/config"
	"splittun/internal/daemon"
	"splittun/internal/localproxy"
	"splittun/internal/logging"
	"splittun/internal/tlstunnel"
)

func main() {
	cfg, err := config.ParseLocal(os.Args[1:])
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

	tlsConfig, err := tlstunnel.ClientConfig(tlstunnel.Material{
		CAFile:   cfg.CAFile,
		CertFile: cfg.CertFile,
		KeyFile:  cfg.KeyFile,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build TLS config")
	}

	remoteAddr := net.JoinHostPort(cfg.RemoteHost, strconv.Itoa(cfg.RemotePort))
	dispatcher := localproxy.New(remoteAddr, tlsConfig)

	if err := dispatcher.Start(); err != nil {
		log.Fatal().Err(err).Msg("initial tunnel connect failed")
	}

	listenAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", listenAddr).Msg("failed to start SOCKS5 listener")
	}
	log.Info().Str("addr", listenAddr).Str("remote", remoteAddr).Msg("local proxy listening")

	if err := dispatcher.Serve(ln); err != nil {
		log.Fatal().Err(err).Msg("SOCKS5 listener stopped")
	}
}

func logFileFor(cfg *config.LocalConfig) string {
	if cfg.Daemon {
		return cfg.LogFile
	}
	return ""
}
