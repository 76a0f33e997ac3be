// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package i2p is the anonymity overlay collaborator.  The core consumes two
// values from it: the local destination address and the outbound proxy
// endpoint.  It can optionally supervise an i2pd router process, but the
// overlay itself is always external.
package i2p

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/zerotrace/zerotrace/config"
	"github.com/zerotrace/zerotrace/core/log"
)

// The destination preceding the certificate in a key file: a 256 byte
// encryption key and a 128 byte signing key.
const destFixedLen = 256 + 128

var b32Encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// Manager supervises the optional router process and answers address and
// proxy queries.
type Manager struct {
	sync.Mutex

	log *logging.Logger
	cfg *config.I2P

	proc    *exec.Cmd
	address string
}

// NewManager builds a Manager for the given overlay configuration.
func NewManager(cfg *config.I2P, logBackend *log.Backend) *Manager {
	return &Manager{
		log: logBackend.GetLogger("zerotrace/i2p"),
		cfg: cfg,
	}
}

// Disabled reports whether the overlay is bypassed (developer mode).
func (m *Manager) Disabled() bool {
	return m.cfg.Disable
}

// ProxyEndpoint returns the overlay's outbound proxy, or empty in developer
// mode so the transport dials directly.
func (m *Manager) ProxyEndpoint() string {
	if m.cfg.Disable {
		return ""
	}
	return m.cfg.ProxyEndpoint
}

// Start launches the router process when one is configured.  A router that
// is already running externally needs no path configured at all.
func (m *Manager) Start() error {
	if m.cfg.Disable || m.cfg.I2PDPath == "" {
		return nil
	}
	m.Lock()
	defer m.Unlock()

	args := []string{}
	if m.cfg.TunnelsConf != "" {
		args = append(args, "--tunconf", m.cfg.TunnelsConf)
	}
	m.proc = exec.Command(m.cfg.I2PDPath, args...)
	if err := m.proc.Start(); err != nil {
		m.proc = nil
		return fmt.Errorf("i2p: failed to start router: %v", err)
	}
	m.log.Noticef("router started, pid %d", m.proc.Process.Pid)
	return nil
}

// Stop terminates a managed router process.
func (m *Manager) Stop() {
	m.Lock()
	defer m.Unlock()
	if m.proc == nil {
		return
	}
	if err := m.proc.Process.Kill(); err != nil {
		m.log.Warningf("failed to stop router: %v", err)
	}
	m.proc.Wait()
	m.proc = nil
}

// LocalAddress returns the node's overlay destination.  The configured
// address wins; otherwise it is derived from the destination key file.  The
// value is re-read on Refresh so key rotation is picked up.
func (m *Manager) LocalAddress() (string, error) {
	m.Lock()
	defer m.Unlock()
	if m.address != "" {
		return m.address, nil
	}
	addr, err := m.resolveAddress()
	if err != nil {
		return "", err
	}
	m.address = addr
	return addr, nil
}

// Refresh drops the cached address so the next LocalAddress re-derives it.
func (m *Manager) Refresh() {
	m.Lock()
	defer m.Unlock()
	m.address = ""
}

func (m *Manager) resolveAddress() (string, error) {
	if m.cfg.Address != "" {
		if !strings.HasSuffix(m.cfg.Address, ".i2p") {
			return "", fmt.Errorf("i2p: configured address %q is not an overlay destination", m.cfg.Address)
		}
		return m.cfg.Address, nil
	}
	if m.cfg.DestinationKeys == "" {
		return "", fmt.Errorf("i2p: no address configured and no destination keys file")
	}
	blob, err := os.ReadFile(m.cfg.DestinationKeys)
	if err != nil {
		return "", fmt.Errorf("i2p: cannot read destination keys: %v", err)
	}
	return AddressFromDestination(blob)
}

// AddressFromDestination derives the .b32.i2p address from a binary
// destination (or a key file beginning with one): the base32 encoding of
// the SHA-256 of the certificate-terminated destination bytes.
func AddressFromDestination(blob []byte) (string, error) {
	if len(blob) < destFixedLen+3 {
		return "", fmt.Errorf("i2p: destination truncated")
	}
	certLen := int(binary.BigEndian.Uint16(blob[destFixedLen+1 : destFixedLen+3]))
	destLen := destFixedLen + 3 + certLen
	if len(blob) < destLen {
		return "", fmt.Errorf("i2p: destination certificate truncated")
	}
	digest := sha256.Sum256(blob[:destLen])
	return b32Encoding.EncodeToString(digest[:]) + ".b32.i2p", nil
}
