// Package config parses the CLI flags shared by both binaries (§6) into
// typed LocalConfig/RemoteConfig structs. Parsing builds its own private
// flag.FlagSet rather than touching the package-level flag.CommandLine,
// so tests can exercise it without depending on os.Args.
package config

import (
	"flag"
	"fmt"
	"os"
)

// LocalConfig holds the flags the local (client-side) binary accepts.
type LocalConfig struct {
	Daemon     bool
	Host       string
	Port       int
	RemoteHost string
	RemotePort int
	CAFile     string
	CertFile   string
	KeyFile    string
	PIDFile    string
	LogFile    string
	LogLevel   string
}

// RemoteConfig holds the flags the remote (server-side) binary accepts.
type RemoteConfig struct {
	Daemon          bool
	Host            string
	Port            int
	CAFile          string
	CertFile        string
	KeyFile         string
	PIDFile         string
	LogFile         string
	LogLevel        string
	DNS             string
	MaxPendingBytes int
}

// ParseLocal parses args (typically os.Args[1:]) into a LocalConfig.
func ParseLocal(args []string) (*LocalConfig, error) {
	fs := flag.NewFlagSet("local", flag.ContinueOnError)
	c := &LocalConfig{}

	fs.BoolVar(&c.Daemon, "daemon", false, "detach from the controlling terminal")
	fs.BoolVar(&c.Daemon, "d", false, "detach from the controlling terminal (shorthand)")
	fs.StringVar(&c.Host, "host", "127.0.0.1", "SOCKS5 listen address")
	fs.StringVar(&c.Host, "l", "127.0.0.1", "SOCKS5 listen address (shorthand)")
	fs.IntVar(&c.Port, "port", 1080, "SOCKS5 listen port")
	fs.IntVar(&c.Port, "p", 1080, "SOCKS5 listen port (shorthand)")
	fs.StringVar(&c.RemoteHost, "S", "", "remote tunnel peer address (required)")
	fs.IntVar(&c.RemotePort, "P", 0, "remote tunnel peer port (required)")
	fs.StringVar(&c.CAFile, "ca", "", "CA certificate PEM file (required)")
	fs.StringVar(&c.CertFile, "cert", "", "client certificate PEM file (required)")
	fs.StringVar(&c.KeyFile, "key", "", "client private key PEM file (required)")
	fs.StringVar(&c.PIDFile, "pidfile", "", "PID file path (only meaningful with -d)")
	fs.StringVar(&c.LogFile, "logfile", "", "log file path (only meaningful with -d)")
	fs.StringVar(&c.LogLevel, "loglevel", "INFO", "log level: DEBUG, INFO, WARN, ERROR")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return c, nil
}

// ParseRemote parses args (typically os.Args[1:]) into a RemoteConfig.
func ParseRemote(args []string) (*RemoteConfig, error) {
	fs := flag.NewFlagSet("remote", flag.ContinueOnError)
	c := &RemoteConfig{}

	fs.BoolVar(&c.Daemon, "daemon", false, "detach from the controlling terminal")
	fs.BoolVar(&c.Daemon, "d", false, "detach from the controlling terminal (shorthand)")
	fs.StringVar(&c.Host, "host", "0.0.0.0", "tunnel listen address")
	fs.StringVar(&c.Host, "l", "0.0.0.0", "tunnel listen address (shorthand)")
	fs.IntVar(&c.Port, "port", 10800, "tunnel listen port")
	fs.IntVar(&c.Port, "p", 10800, "tunnel listen port (shorthand)")
	fs.StringVar(&c.CAFile, "ca", "", "CA certificate PEM file (required)")
	fs.StringVar(&c.CertFile, "cert", "", "server certificate PEM file (required)")
	fs.StringVar(&c.KeyFile, "key", "", "server private key PEM file (required)")
	fs.StringVar(&c.PIDFile, "pidfile", "", "PID file path (only meaningful with -d)")
	fs.StringVar(&c.LogFile, "logfile", "", "log file path (only meaningful with -d)")
	fs.StringVar(&c.LogLevel, "loglevel", "INFO", "log level: DEBUG, INFO, WARN, ERROR")
	fs.StringVar(&c.DNS, "dns", "", "upstream DNS resolver address[:port] (required, default port 53)")
	fs.IntVar(&c.MaxPendingBytes, "max-pending-bytes", 0, "per-stream pre-connect buffer cap in bytes (0 = default 4 MiB)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate enforces §6's "all three [ca/cert/key] must exist at startup
// or the process fails with a config error" and "-S is required" rules.
func (c *LocalConfig) Validate() error {
	if c.RemoteHost == "" {
		return fmt.Errorf("config: -S (remote host) is required")
	}
	if c.RemotePort == 0 {
		return fmt.Errorf("config: -P (remote port) is required")
	}
	return validateTLSFiles(c.CAFile, c.CertFile, c.KeyFile)
}

// Validate enforces the remote binary's analogous startup checks,
// including that --dns was supplied (§6: "required, remote only").
func (c *RemoteConfig) Validate() error {
	if c.DNS == "" {
		return fmt.Errorf("config: --dns is required")
	}
	return validateTLSFiles(c.CAFile, c.CertFile, c.KeyFile)
}

func validateTLSFiles(ca, cert, key string) error {
	for _, f := range []struct {
		flag, path string
	}{
		{"ca", ca},
		{"cert", cert},
		{"key", key},
	} {
		if f.path == "" {
			return fmt.Errorf("config: --%s is required", f.flag)
		}
		if _, err := os.Stat(f.path); err != nil {
			return fmt.Errorf("config: --%s file %q: %w", f.flag, f.path, err)
		}
	}
	return nil
}
