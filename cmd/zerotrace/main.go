// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

// zerotrace is the ZeroTrace node daemon.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zerotrace/zerotrace/common"
	"github.com/zerotrace/zerotrace/config"
	"github.com/zerotrace/zerotrace/crypto"
	"github.com/zerotrace/zerotrace/node"
)

const passwordRetryLimit = 3

type cliFlags struct {
	ConfigFile  string
	Host        string
	Port        int
	DataDir     string
	ServerOnly  bool
	NoI2P       bool
	I2PDPath    string
	TunnelsConf string
}

func newRootCommand() *cobra.Command {
	var flags cliFlags

	cmd := &cobra.Command{
		Use:   "zerotrace",
		Short: "ZeroTrace messaging node",
		Long: `ZeroTrace is a decentralized, post-quantum peer-to-peer messaging node
that runs over the I2P anonymity overlay.  Each node encrypts, signs,
routes, and delivers messages for participants identified by
self-certifying identifiers, and publishes its address record to a
Kademlia directory carried over the same overlay.`,
		Example: `
  # First run: create an identity and start the node
  zerotrace --data-dir ~/.zerotrace

  # Headless operation behind an externally managed i2pd
  zerotrace --data-dir /var/lib/zerotrace --server-only

  # Developer mode on plain loopback, two local nodes
  zerotrace --no-i2p --port 8000 --data-dir ./a
  zerotrace --no-i2p --port 8001 --data-dir ./b`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(&flags)
		},
	}

	cmd.Flags().StringVarP(&flags.ConfigFile, "config", "c", "", "path to the node configuration file (TOML format)")
	cmd.Flags().StringVar(&flags.Host, "host", "", "loopback address the HTTP server binds")
	cmd.Flags().IntVar(&flags.Port, "port", 0, "listener TCP port")
	cmd.Flags().StringVar(&flags.DataDir, "data-dir", "", "directory holding the keystore and databases")
	cmd.Flags().BoolVar(&flags.ServerOnly, "server-only", false, "run without the interactive client attached")
	cmd.Flags().BoolVar(&flags.NoI2P, "no-i2p", false, "developer mode: plain loopback, no anonymity")
	cmd.Flags().StringVar(&flags.I2PDPath, "i2pd-path", "", "i2pd executable to supervise")
	cmd.Flags().StringVar(&flags.TunnelsConf, "tunnels-conf", "", "i2pd tunnel configuration file")

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func loadConfig(flags *cliFlags) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if flags.ConfigFile != "" {
		cfg, err = config.LoadFile(flags.ConfigFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	// Flags override the file.
	if flags.Host != "" {
		cfg.Server.Host = flags.Host
	}
	if flags.Port != 0 {
		cfg.Server.Port = flags.Port
	}
	if flags.DataDir != "" {
		cfg.Server.DataDir = flags.DataDir
	}
	if flags.NoI2P {
		cfg.I2P.Disable = true
	}
	if flags.I2PDPath != "" {
		cfg.I2P.I2PDPath = flags.I2PDPath
	}
	if flags.TunnelsConf != "" {
		cfg.I2P.TunnelsConf = flags.TunnelsConf
	}
	if err = cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(flags *cliFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	if err = os.MkdirAll(cfg.Server.DataDir, 0700); err != nil {
		return err
	}

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to assemble node: %v", err)
	}

	if err = attachIdentity(n); err != nil {
		return err
	}
	fmt.Printf("Your identifier: %s\n", n.Identifier())

	if err = n.Start(); err != nil {
		n.Shutdown()
		return fmt.Errorf("failed to start node: %v", err)
	}
	defer n.Shutdown()

	if !flags.ServerOnly {
		fmt.Printf("Node API on http://%s:%d, press Ctrl+C to stop.\n",
			cfg.Server.Host, cfg.Server.Port)
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	<-haltCh
	return nil
}

// attachIdentity unlocks an existing keystore (with an interactive retry
// limit) or creates a fresh identity on first run.
func attachIdentity(n *node.Node) error {
	if !n.HasKeystore() {
		fmt.Println("No existing keys found, creating a new identity.")
		password, err := readPassword("Set a password: ")
		if err != nil {
			return err
		}
		return n.CreateIdentity(password)
	}

	for attempt := 0; attempt < passwordRetryLimit; attempt++ {
		password, err := readPassword("Password: ")
		if err != nil {
			return err
		}
		err = n.Unlock(password)
		if err == nil {
			return nil
		}
		if errors.Is(err, crypto.ErrWrongPassword) {
			fmt.Fprintln(os.Stderr, "Wrong password.")
			continue
		}
		return err
	}
	return errors.New("too many failed unlock attempts")
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		defer fmt.Println()
		return term.ReadPassword(fd)
	}
	// Not a terminal (tests, pipes): read a line.
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return nil, err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return []byte(line), nil
}
