// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zerotrace/zerotrace/core/log"
	"github.com/zerotrace/zerotrace/crypto"
	"github.com/zerotrace/zerotrace/storage"
	"github.com/zerotrace/zerotrace/transport"
)

func newTestRouter(t *testing.T) (*Router, *storage.Store, *crypto.Identity) {
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	store, err := storage.Open(filepath.Join(t.TempDir(), "zerotrace.db"))
	require.NoError(err)
	t.Cleanup(func() { store.Close() })
	client, err := transport.NewClient("")
	require.NoError(err)
	id, err := crypto.NewIdentity()
	require.NoError(err)
	t.Cleanup(id.Destroy)

	r, err := New(store, client, id, logBackend)
	require.NoError(err)
	return r, store, id
}

func addIdentityContact(t *testing.T, store *storage.Store, id *crypto.Identity, addr string) *storage.Contact {
	pub := id.Public()
	c := &storage.Contact{
		Identifier:   pub.Identifier,
		Addr:         addr,
		KEMPublicKey: pub.KEMPublicKey,
		SigPublicKey: pub.SigPublicKey,
	}
	require.NoError(t, store.AddContact(c))
	return c
}

// acceptingServer is a stand-in peer whose /send records every delivery.
func acceptingServer(t *testing.T) (*httptest.Server, chan *crypto.WireMessage) {
	received := make(chan *crypto.WireMessage, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send" {
			http.NotFound(w, r)
			return
		}
		msg := new(crypto.WireMessage)
		require.NoError(t, json.NewDecoder(r.Body).Decode(msg))
		received <- msg
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"OK"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, received
}

func TestInboundDeliveryAndIdempotence(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r, store, bob := newTestRouter(t)
	alice, err := crypto.NewIdentity()
	require.NoError(err)
	defer alice.Destroy()

	w, err := crypto.EncryptMessage(alice, "http://alice.b32.i2p", bob.Public(), []byte("hello bob"))
	require.NoError(err)

	require.NoError(r.HandleInbound(context.Background(), w))

	msgs, err := store.ListMessages("")
	require.NoError(err)
	require.Len(msgs, 1)
	require.Equal([]byte("hello bob"), msgs[0].Content)
	require.Equal(alice.Identifier(), msgs[0].SenderID)

	// The sender was auto-added with the payload address.
	c, err := store.GetContact(alice.Identifier())
	require.NoError(err)
	require.Equal("http://alice.b32.i2p", c.Addr)

	// Submitting the identical wire message again has no side effects.
	for i := 0; i < 3; i++ {
		require.NoError(r.HandleInbound(context.Background(), w))
	}
	n, err := store.CountMessages()
	require.NoError(err)
	require.Equal(1, n)
}

func TestInboundCryptoFailureIsSilent(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r, store, bob := newTestRouter(t)
	alice, err := crypto.NewIdentity()
	require.NoError(err)
	defer alice.Destroy()

	w, err := crypto.EncryptMessage(alice, "", bob.Public(), []byte("tampered"))
	require.NoError(err)
	w.MsgCiphertext[0] ^= 0x01

	// The handler absorbs the failure; the caller still answers 200.
	require.NoError(r.HandleInbound(context.Background(), w))
	n, err := store.CountMessages()
	require.NoError(err)
	require.Zero(n)
}

func TestInboundForwardToKnownContact(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r, store, _ := newTestRouter(t)

	carol, err := crypto.NewIdentity()
	require.NoError(err)
	defer carol.Destroy()
	alice, err := crypto.NewIdentity()
	require.NoError(err)
	defer alice.Destroy()

	carolSrv, carolReceived := acceptingServer(t)
	addIdentityContact(t, store, carol, carolSrv.URL)

	w, err := crypto.EncryptMessage(alice, "", carol.Public(), []byte("via us"))
	require.NoError(err)
	require.NoError(r.HandleInbound(context.Background(), w))

	// Queued for carol's next pull, with the same signature.
	queued, err := store.DrainForward(carol.Identifier(), 10)
	require.NoError(err)
	require.Len(queued, 1)
	require.Equal(w.Signature, queued[0].Signature)
	require.LessOrEqual(queued[0].MaxRetry, w.MaxRetry)

	// And fanned out; carol is the only eligible contact.
	select {
	case got := <-carolReceived:
		require.Equal(w.Signature, got.Signature)
		require.LessOrEqual(got.TTL, w.TTL)
	case <-time.After(5 * time.Second):
		t.Fatal("fanout never reached the peer")
	}
}

func TestInboundTTLExhaustion(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r, store, _ := newTestRouter(t)
	alice, err := crypto.NewIdentity()
	require.NoError(err)
	defer alice.Destroy()
	carol, err := crypto.NewIdentity()
	require.NoError(err)
	defer carol.Destroy()

	w, err := crypto.EncryptMessage(alice, "", carol.Public(), []byte("dying"))
	require.NoError(err)
	// The outer budgets are not signature bound; exhaust them.
	w.TTL = 1
	w.MaxRetry = 0

	require.NoError(r.HandleInbound(context.Background(), w))

	// The signature is recorded even though nothing was forwarded.
	seen, err := store.IsSeen(w.Signature)
	require.NoError(err)
	require.True(seen)
	n, err := store.ForwardQueueLen("")
	require.NoError(err)
	require.Zero(n)
}

func TestFanoutBounds(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r, store, self := newTestRouter(t)

	var prev *storage.Contact
	const contacts = 12
	for i := 0; i < contacts; i++ {
		id, err := crypto.NewIdentity()
		require.NoError(err)
		c := addIdentityContact(t, store, id, "http://peer.example")
		id.Destroy()
		if i == 0 {
			prev = c
		}
	}

	eligible := contacts - 1 // minus the previous hop
	low := (eligible*3 + 9) / 10
	high := eligible
	if high > FanoutMax {
		high = FanoutMax
	}

	for i := 0; i < 20; i++ {
		targets, err := r.FanoutTargets(prev.Identifier)
		require.NoError(err)
		require.GreaterOrEqual(len(targets), low)
		require.LessOrEqual(len(targets), high)
		for _, c := range targets {
			require.NotEqual(prev.Identifier, c.Identifier)
			require.NotEqual(self.Identifier(), c.Identifier)
		}
	}
}

func TestFanoutEmptyEligible(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r, _, _ := newTestRouter(t)
	targets, err := r.FanoutTargets("whoever")
	require.NoError(err)
	require.Empty(targets)
}

func TestInboundMalformed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r, _, _ := newTestRouter(t)
	err := r.HandleInbound(context.Background(), &crypto.WireMessage{})
	require.ErrorIs(err, crypto.ErrMalformed)
}
