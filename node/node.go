// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package node wires the ZeroTrace subsystems into a single Node value.
// All shared state — keystore, stores, routing, directory — is reached
// through it; apart from the metrics counters, there is no package level
// mutable state.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/zerotrace/zerotrace/config"
	"github.com/zerotrace/zerotrace/core/log"
	"github.com/zerotrace/zerotrace/core/utils"
	"github.com/zerotrace/zerotrace/core/worker"
	"github.com/zerotrace/zerotrace/crypto"
	"github.com/zerotrace/zerotrace/dht"
	"github.com/zerotrace/zerotrace/i2p"
	"github.com/zerotrace/zerotrace/router"
	"github.com/zerotrace/zerotrace/storage"
	"github.com/zerotrace/zerotrace/transport"
)

const publishInterval = time.Hour

// ErrLocked is returned when an operation needs the identity before it has
// been unlocked or created.
var ErrLocked = errors.New("node: identity is locked")

// SendResult reports the outcome of a send to the caller.
type SendResult struct {
	// Direct is true when the recipient's own address accepted the message.
	Direct bool

	// FanoutAccepted counts forwarding peers that accepted the message
	// after a failed direct send.
	FanoutAccepted int

	// Queued is true when the message remains in the forward queue for a
	// future retry.
	Queued bool
}

// Node is a ZeroTrace participant.
type Node struct {
	worker.Worker

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger
	haltOnce   sync.Once

	identity *crypto.Identity
	overlay  *i2p.Manager
	client   *transport.Client
	store    *storage.Store
	dhtStore *dht.Storage
	dht      *dht.DHT
	router   *router.Router
	server   *transport.Server
}

// New assembles an offline Node: logging, overlay manager, transport
// client, and stores.  The identity is attached afterwards with Unlock or
// CreateIdentity, and the network side comes up with Start.
func New(cfg *config.Config) (*Node, error) {
	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:        cfg,
		logBackend: logBackend,
		log:        logBackend.GetLogger("zerotrace/node"),
	}
	n.overlay = i2p.NewManager(cfg.I2P, logBackend)

	n.client, err = transport.NewClient(n.overlay.ProxyEndpoint())
	if err != nil {
		return nil, err
	}
	n.store, err = storage.Open(cfg.MessengerDB())
	if err != nil {
		return nil, err
	}
	n.dhtStore, err = dht.OpenStorage(cfg.DHTDB())
	if err != nil {
		n.store.Close()
		return nil, err
	}
	return n, nil
}

// GetLogger returns a new logger with the given name.
func (n *Node) GetLogger(name string) *logging.Logger {
	return n.logBackend.GetLogger(name)
}

// HasKeystore reports whether a sealed keystore exists.
func (n *Node) HasKeystore() bool {
	return utils.Exists(n.cfg.KeysFile())
}

// CreateIdentity generates a fresh identity and seals it under password.
func (n *Node) CreateIdentity(password []byte) error {
	id, err := crypto.NewIdentity()
	if err != nil {
		return err
	}
	if err = crypto.SealIdentity(n.cfg.KeysFile(), id, password); err != nil {
		id.Destroy()
		return err
	}
	n.identity = id
	n.log.Noticef("created identity %s", id.Identifier())
	return nil
}

// Unlock opens the sealed keystore with password.
func (n *Node) Unlock(password []byte) error {
	id, err := crypto.UnsealIdentity(n.cfg.KeysFile(), password)
	if err != nil {
		return err
	}
	n.identity = id
	n.log.Noticef("unlocked identity %s", id.Identifier())
	return nil
}

// Reseal re-encrypts the keystore under a new password.  The file is
// replaced atomically.
func (n *Node) Reseal(newPassword []byte) error {
	if n.identity == nil {
		return ErrLocked
	}
	return crypto.SealIdentity(n.cfg.KeysFile(), n.identity, newPassword)
}

// Identifier returns the unlocked identity's identifier.
func (n *Node) Identifier() string {
	if n.identity == nil {
		return ""
	}
	return n.identity.Identifier()
}

// Identity returns the unlocked identity.
func (n *Node) Identity() *crypto.Identity {
	return n.identity
}

// Store returns the messenger store.
func (n *Node) Store() *storage.Store {
	return n.store
}

// DHT returns the directory, valid after Start.
func (n *Node) DHT() *dht.DHT {
	return n.dht
}

// LocalAddress returns the URL peers use to reach this node: the overlay
// destination, or the bound loopback address in developer mode.
func (n *Node) LocalAddress() (string, error) {
	if n.overlay.Disabled() {
		return fmt.Sprintf("http://%s:%d", n.cfg.Server.Host, n.cfg.Server.Port), nil
	}
	addr, err := n.overlay.LocalAddress()
	if err != nil {
		return "", err
	}
	return "http://" + addr, nil
}

// Start brings up the overlay, the routing engine, the directory, and the
// listener, and launches the background workers.
func (n *Node) Start() error {
	if n.identity == nil {
		return ErrLocked
	}

	if err := n.overlay.Start(); err != nil {
		return err
	}

	var err error
	n.router, err = router.New(n.store, n.client, n.identity, n.logBackend)
	if err != nil {
		return err
	}

	dhtAddr := n.cfg.Server.Host
	dhtPort := n.cfg.Server.Port
	if !n.overlay.Disabled() {
		if dest, err := n.overlay.LocalAddress(); err == nil {
			dhtAddr, dhtPort = dest, 80
		} else {
			n.log.Warningf("overlay address unavailable, staying unannounced: %v", err)
		}
	}
	n.dht, err = dht.New(n.dhtStore, n.client, dhtAddr, dhtPort, n.logBackend)
	if err != nil {
		return err
	}

	bind := fmt.Sprintf("%s:%d", n.cfg.Server.Host, n.cfg.Server.Port)
	n.server, err = transport.NewServer(bind, n.router, n.store, n.dht, n.cfg.Debug.FetchBatch, n.logBackend)
	if err != nil {
		return err
	}

	n.router.Start()
	n.dht.Start()
	n.server.Start()

	if n.cfg.DHT.BootstrapAddr != "" {
		n.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), transport.OperationTimeout)
			defer cancel()
			if err := n.dht.Bootstrap(ctx, n.cfg.DHT.BootstrapAddr, n.cfg.DHT.BootstrapPort); err != nil {
				n.log.Warningf("bootstrap via %s:%d failed: %v",
					n.cfg.DHT.BootstrapAddr, n.cfg.DHT.BootstrapPort, err)
			}
		})
	}
	n.Go(n.publishWorker)

	n.log.Noticef("node %s listening on %s", n.identity.Identifier(), bind)
	return nil
}

// publishWorker republishes our directory record hourly.
func (n *Node) publishWorker() {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-n.HaltCh():
			return
		case <-timer.C:
		}

		addr, err := n.LocalAddress()
		if err != nil {
			n.log.Warningf("publish skipped, no local address: %v", err)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 2*transport.OperationTimeout)
			accepted, err := n.dht.PublishSelf(ctx, n.identity, addr)
			cancel()
			if err != nil {
				n.log.Debugf("publish reached %d peers: %v", accepted, err)
			} else {
				n.log.Debugf("published record to %d peers", accepted)
			}
		}
		timer.Reset(publishInterval)
	}
}

// AddContact validates and stores a manually entered contact.
func (n *Node) AddContact(c *storage.Contact) error {
	return n.store.AddContact(c)
}

// Discover resolves an identifier through the directory and records the
// result as a contact.
func (n *Node) Discover(ctx context.Context, identifier string) (*storage.Contact, error) {
	rec, err := n.dht.Discover(ctx, identifier)
	if err != nil {
		return nil, err
	}
	c := &storage.Contact{
		Identifier:   rec.Identifier,
		Addr:         rec.Addr,
		KEMPublicKey: rec.KEMPublicKey,
		SigPublicKey: rec.SigPublicKey,
	}
	if err = n.store.AddContact(c); err != nil {
		return nil, err
	}
	return c, nil
}

// SendMessage encrypts plaintext for the recipient and attempts direct
// delivery.  When the recipient is unreachable the message is queued for
// them and fanned out to forwarding peers.
func (n *Node) SendMessage(ctx context.Context, recipientID string, plaintext []byte) (*SendResult, error) {
	if n.identity == nil {
		return nil, ErrLocked
	}

	contact, err := n.store.GetContact(recipientID)
	if errors.Is(err, storage.ErrUnknownContact) && n.dht != nil {
		contact, err = n.Discover(ctx, recipientID)
		if err != nil {
			return nil, storage.ErrUnknownContact
		}
	} else if err != nil {
		return nil, err
	}

	selfAddr, err := n.LocalAddress()
	if err != nil {
		selfAddr = ""
	}
	w, err := crypto.EncryptMessage(n.identity, selfAddr, contact.Public(), plaintext)
	if err != nil {
		return nil, err
	}

	res := new(SendResult)
	if contact.Addr != "" {
		err := n.router.Forward(ctx, contact, w)
		if err == nil {
			res.Direct = true
			return res, nil
		}
		n.log.Debugf("direct send to %s failed: %v", recipientID, err)
	}

	// Unreachable: queue for their next pull and fan out through peers.
	if err := n.store.PushForward(w); err != nil {
		return nil, err
	}
	res.Queued = true

	targets, err := n.router.FanoutTargets(recipientID)
	if err != nil {
		return res, err
	}
	for _, c := range targets {
		fctx, cancel := context.WithTimeout(ctx, transport.OperationTimeout)
		if err := n.router.Forward(fctx, c, w); err == nil {
			res.FanoutAccepted++
		}
		cancel()
	}
	return res, nil
}

// PullMessages fetches wire messages queued for us on our contacts and runs
// them through the inbound path.
func (n *Node) PullMessages(ctx context.Context) (int, error) {
	if n.identity == nil {
		return 0, ErrLocked
	}
	contacts, err := n.store.ListContacts()
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, c := range contacts {
		if c.Addr == "" {
			continue
		}
		var resp struct {
			Messages []*crypto.WireMessage `json:"messages"`
		}
		url := fmt.Sprintf("%s/get_messages/%s", c.Addr, n.identity.Identifier())
		if err := n.client.PostJSON(ctx, url, struct{}{}, &resp); err != nil {
			n.log.Debugf("pull from %s failed: %v", c.Identifier, err)
			continue
		}
		for _, w := range resp.Messages {
			if err := n.router.HandleInbound(ctx, w); err != nil {
				n.log.Debugf("pulled message rejected: %v", err)
				continue
			}
			delivered++
		}
	}
	return delivered, nil
}

// Shutdown cleanly halts the node: stop accepting, halt the loops, stop the
// overlay, close the stores, and only then wipe the keystore.
func (n *Node) Shutdown() {
	n.haltOnce.Do(n.halt)
}

func (n *Node) halt() {
	n.log.Noticef("shutting down")
	if n.server != nil {
		n.server.Halt()
	}
	n.Halt()
	if n.router != nil {
		n.router.Halt()
	}
	if n.dht != nil {
		n.dht.Halt()
	}
	n.overlay.Stop()
	n.dhtStore.Close()
	n.store.Close()
	if n.identity != nil {
		n.identity.Destroy()
		n.identity = nil
	}
	n.log.Noticef("shutdown complete")
}
