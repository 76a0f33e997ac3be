// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the ZeroTrace node configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel      = "NOTICE"
	defaultHost          = "127.0.0.1"
	defaultPort          = 8000
	defaultProxyEndpoint = "http://127.0.0.1:4444"
	defaultFetchBatch    = 50
)

// Server is the listener configuration.
type Server struct {
	// Host is the loopback address the HTTP server binds.  It is reached
	// from outside only through the overlay's inbound tunnel and is never
	// advertised.
	Host string

	// Port is the listener TCP port.
	Port int

	// DataDir is where the keystore and databases live.
	DataDir string
}

func (sCfg *Server) fixup() error {
	if sCfg.Host == "" {
		sCfg.Host = defaultHost
	}
	if sCfg.Port == 0 {
		sCfg.Port = defaultPort
	}
	if sCfg.DataDir == "" {
		sCfg.DataDir = "."
	}
	var err error
	sCfg.DataDir, err = filepath.Abs(sCfg.DataDir)
	return err
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// I2P is the anonymity overlay configuration.
type I2P struct {
	// Disable runs the node over plain loopback addresses.  Developer mode
	// only; it provides no anonymity whatsoever.
	Disable bool

	// ProxyEndpoint is the overlay's outbound HTTP or SOCKS proxy.
	ProxyEndpoint string

	// Address is the local destination (something.b32.i2p).  When empty it
	// is derived from the destination keys file.
	Address string

	// I2PDPath is the router executable, for the managed-process mode.
	I2PDPath string

	// TunnelsConf is the router tunnel configuration file.
	TunnelsConf string

	// DestinationKeys is the router's destination key file, from which the
	// local address is derived.
	DestinationKeys string
}

func (iCfg *I2P) fixup() {
	if iCfg.ProxyEndpoint == "" {
		iCfg.ProxyEndpoint = defaultProxyEndpoint
	}
}

// DHT configures the directory bootstrap.
type DHT struct {
	// BootstrapAddr and BootstrapPort name a known node to join through.
	// Empty means start alone and wait to be bootstrapped.
	BootstrapAddr string
	BootstrapPort int
}

// Debug is the debug configuration.
type Debug struct {
	// FetchBatch caps how many queued messages a single /get_messages
	// drain returns.
	FetchBatch int
}

func (dCfg *Debug) fixup() {
	if dCfg.FetchBatch == 0 {
		dCfg.FetchBatch = defaultFetchBatch
	}
}

// Config is the top level configuration.
type Config struct {
	Server  *Server
	Logging *Logging
	I2P     *I2P
	DHT     *DHT
	Debug   *Debug
}

// KeysFile returns the sealed keystore path.
func (c *Config) KeysFile() string {
	return filepath.Join(c.Server.DataDir, "user_keys.json")
}

// MessengerDB returns the messenger database path.
func (c *Config) MessengerDB() string {
	return filepath.Join(c.Server.DataDir, "zerotrace.db")
}

// DHTDB returns the DHT database path.
func (c *Config) DHTDB() string {
	return filepath.Join(c.Server.DataDir, "kademlia.db")
}

// FixupAndValidate applies defaults and validates the configuration.
func (c *Config) FixupAndValidate() error {
	if c.Server == nil {
		c.Server = new(Server)
	}
	if c.Logging == nil {
		c.Logging = new(Logging)
	}
	if c.I2P == nil {
		c.I2P = new(I2P)
	}
	if c.DHT == nil {
		c.DHT = new(DHT)
	}
	if c.Debug == nil {
		c.Debug = new(Debug)
	}
	if err := c.Server.fixup(); err != nil {
		return err
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	c.I2P.fixup()
	c.Debug.fixup()
	return nil
}

// Load parses and validates the provided buffer as a TOML config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the config file at path.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Default returns a validated default configuration.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic(err)
	}
	return cfg
}
