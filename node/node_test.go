// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zerotrace/zerotrace/config"
	"github.com/zerotrace/zerotrace/storage"
)

func pickPort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T, port int) *config.Config {
	cfg := &config.Config{
		Server:  &config.Server{Host: "127.0.0.1", Port: port, DataDir: t.TempDir()},
		Logging: &config.Logging{Disable: true},
		I2P:     &config.I2P{Disable: true},
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func startNode(t *testing.T) *Node {
	require := require.New(t)

	n, err := New(testConfig(t, pickPort(t)))
	require.NoError(err)
	require.False(n.HasKeystore())
	require.NoError(n.CreateIdentity([]byte("test password")))
	require.NoError(n.Start())
	t.Cleanup(n.Shutdown)
	return n
}

func contactFor(t *testing.T, n *Node, addr string) *storage.Contact {
	pub := n.Identity().Public()
	return &storage.Contact{
		Identifier:   pub.Identifier,
		Addr:         addr,
		KEMPublicKey: pub.KEMPublicKey,
		SigPublicKey: pub.SigPublicKey,
	}
}

func nodeAddr(n *Node) string {
	addr, _ := n.LocalAddress()
	return addr
}

func TestKeystorePersistsAcrossRestart(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := testConfig(t, pickPort(t))
	n, err := New(cfg)
	require.NoError(err)
	require.NoError(n.CreateIdentity([]byte("swordfish")))
	identifier := n.Identifier()
	n.Shutdown()

	again, err := New(cfg)
	require.NoError(err)
	require.True(again.HasKeystore())
	require.NoError(again.Unlock([]byte("swordfish")))
	require.Equal(identifier, again.Identifier())
	again.Shutdown()
}

// Two-hop forwarding: A does not know where C lives, but B does.  A's
// message reaches C through B, and C learns A as a contact.
func TestTwoHopForward(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := startNode(t)
	b := startNode(t)
	c := startNode(t)

	// A knows B's address and C's keys only.
	require.NoError(a.AddContact(contactFor(t, b, nodeAddr(b))))
	require.NoError(a.AddContact(contactFor(t, c, "")))
	// B can reach C directly.
	require.NoError(b.AddContact(contactFor(t, c, nodeAddr(c))))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := a.SendMessage(ctx, c.Identifier(), []byte("hello bob"))
	require.NoError(err)
	require.False(res.Direct)
	require.True(res.Queued)
	require.GreaterOrEqual(res.FanoutAccepted, 1)

	// The fanout hop is asynchronous on B; wait for delivery at C.
	require.Eventually(func() bool {
		n, err := c.Store().CountMessages()
		return err == nil && n == 1
	}, 15*time.Second, 50*time.Millisecond)

	msgs, err := c.Store().ListMessages("")
	require.NoError(err)
	require.Equal([]byte("hello bob"), msgs[0].Content)
	require.Equal(a.Identifier(), msgs[0].SenderID)

	// C auto-added A, with A's reachable address from the payload.
	got, err := c.Store().GetContact(a.Identifier())
	require.NoError(err)
	require.Equal(nodeAddr(a), got.Addr)
}

func TestDirectSend(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := startNode(t)
	b := startNode(t)

	require.NoError(a.AddContact(contactFor(t, b, nodeAddr(b))))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := a.SendMessage(ctx, b.Identifier(), []byte("direct hit"))
	require.NoError(err)
	require.True(res.Direct)
	require.False(res.Queued)

	require.Eventually(func() bool {
		n, err := b.Store().CountMessages()
		return err == nil && n == 1
	}, 15*time.Second, 50*time.Millisecond)
}

// Store-and-forward pull: a message for an offline-ish peer waits in B's
// forward queue until the recipient drains it with /get_messages.
func TestQueuedPull(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := startNode(t)
	b := startNode(t)
	d := startNode(t)

	require.NoError(a.AddContact(contactFor(t, b, nodeAddr(b))))
	require.NoError(a.AddContact(contactFor(t, d, "")))
	// B knows D's identity but has no usable address for it.
	require.NoError(b.AddContact(contactFor(t, d, "")))
	// D polls B.
	require.NoError(d.AddContact(contactFor(t, b, nodeAddr(b))))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := a.SendMessage(ctx, d.Identifier(), []byte("while you were out"))
	require.NoError(err)
	require.True(res.Queued)

	// Wait for B to queue the forwarded copy, then let D pull it.
	require.Eventually(func() bool {
		n, err := b.Store().ForwardQueueLen(d.Identifier())
		return err == nil && n == 1
	}, 15*time.Second, 50*time.Millisecond)

	delivered, err := d.PullMessages(ctx)
	require.NoError(err)
	require.Equal(1, delivered)

	msgs, err := d.Store().ListMessages("")
	require.NoError(err)
	require.Len(msgs, 1)
	require.Equal([]byte("while you were out"), msgs[0].Content)
	require.Equal(a.Identifier(), msgs[0].SenderID)

	// The queue on B is now empty.
	n, err := b.Store().ForwardQueueLen(d.Identifier())
	require.NoError(err)
	require.Zero(n)
}

func TestSendToUnknownRecipient(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a := startNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := a.SendMessage(ctx, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=", []byte("x"))
	require.ErrorIs(err, storage.ErrUnknownContact)
}
