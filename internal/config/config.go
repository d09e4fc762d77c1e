// Copyright (C) 2025 Canmi

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values
	// for all parameters will be used instead.
	defaultConfig = "/etc/anchr/config.toml"
)

var Cfg Config

// Partition is one exported partition as configured by the operator.
// Base and size select a byte extent inside the backing device; both
// zero means the whole device.
type Partition struct {
	ID        string `toml:"id"`
	Path      string `toml:"path"`
	Base      int64  `toml:"base"`
	Size      int64  `toml:"size"`
	BlockSize int    `toml:"block_size"`
	ReadOnly  bool   `toml:"read_only"`
}

// Configuration structure for the daemon. We use toml format for
// file-based configuration and scalar options can be overriden by the
// environment variable specified in this structure.
type Config struct {
	ConfigPath string
	Init       bool

	Listen string `toml:"listen" env:"ANCHR_LISTEN" env-default:"0.0.0.0:4433" env-description:"Listening endpoint for the secure transport."`

	Trust struct {
		Certificate string   `toml:"certificate" env:"ANCHR_CERT" env-default:"/etc/anchr/anchr.crt" env-description:"Path to the daemon certificate (PEM)."`
		PrivateKey  string   `toml:"private_key" env:"ANCHR_KEY" env-default:"/etc/anchr/anchr.key" env-description:"Path to the daemon private key (PEM)."`
		Peers       []string `toml:"peers" env:"ANCHR_PEERS" env-description:"Allow-list of trusted peer certificate SHA-256 fingerprints."`
	} `toml:"trust"`

	Limits struct {
		MaxStreams  int   `toml:"max_streams" env:"ANCHR_MAX_STREAMS" env-default:"64" env-description:"Max concurrent streams per session."`
		MaxInflight int64 `toml:"max_inflight" env:"ANCHR_MAX_INFLIGHT" env-default:"33554432" env-description:"Max in-flight request bytes per session."`
		QueueDepth  int   `toml:"queue_depth" env:"ANCHR_QUEUEDEPTH" env-default:"128" env-description:"Per-partition worker queue depth."`
	} `toml:"limits"`

	Keepalive struct {
		Interval int `toml:"interval" env:"ANCHR_KEEPALIVE_INTERVAL" env-default:"5" env-description:"Transport keep-alive interval in seconds."`
		Timeout  int `toml:"timeout" env:"ANCHR_KEEPALIVE_TIMEOUT" env-default:"30" env-description:"Idle timeout in seconds after which a silent peer is dropped."`
	} `toml:"keepalive"`

	Partitions []Partition `toml:"partition"`

	Admin struct {
		Socket string `toml:"socket" env:"ANCHR_ADMIN_SOCKET" env-default:"/run/anchr/admin.sock" env-description:"Unix socket for the administrative surface. Empty disables it."`
	} `toml:"admin"`

	Log struct {
		Level  int  `toml:"level" env:"ANCHR_LOG_LEVEL" env-default:"1" env-description:"Log level."`
		Pretty bool `toml:"pretty" env:"ANCHR_LOG_PRETTY" env-default:"true" env-description:"Pretty logging."`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"ANCHR_PROFILER" env-default:"false" env-description:"Enable golang web profiler."`
	ProfilerPort int  `toml:"profiler_port" env:"ANCHR_PROFILER_PORT" env-default:"6060" env-description:"Port to listen on."`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priority and the environment
// variables have the highest priority. It is perfectly fine to use
// just one of these or to combine them.
func Configure() error {
	flagSetup()
	return parse()
}

// Parse the configuration file and read the environment variables.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("anchr", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.BoolVar(&Cfg.Init, "init", false, "Generate a default configuration and certificate pair, then exit")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
