// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package router implements the forwarding engine: duplicate suppression,
// local delivery, store-and-forward queuing, and randomized fanout.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/yawning/bloom"
	"gopkg.in/op/go-logging.v1"

	"github.com/zerotrace/zerotrace/core/log"
	"github.com/zerotrace/zerotrace/core/worker"
	"github.com/zerotrace/zerotrace/crypto"
	"github.com/zerotrace/zerotrace/storage"
	"github.com/zerotrace/zerotrace/transport"
)

// FanoutMax caps the number of contacts any single hop forwards to.
const FanoutMax = 10

// SeenExpiry is how long a signature stays in the seen set.
const SeenExpiry = 24 * time.Hour

const seenSweepInterval = time.Hour

var (
	duplicateDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerotrace_router_duplicate_drops_total",
		Help: "Number of inbound wire messages dropped by the seen set.",
	})
	cryptoFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerotrace_router_crypto_failures_total",
		Help: "Number of inbound messages silently dropped on cryptographic failure.",
	})
	forwardFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerotrace_router_forward_failures_total",
		Help: "Number of failed fanout sends.",
	})
	fanoutSends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerotrace_router_fanout_sends_total",
		Help: "Number of fanout sends dispatched.",
	})
	ttlDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerotrace_router_ttl_drops_total",
		Help: "Number of messages dropped on exhausted TTL or retry budget.",
	})
	seenExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerotrace_router_seen_expired_total",
		Help: "Number of seen-set entries removed by the expiry sweep.",
	})
)

// Router decides, per inbound wire message, between local delivery,
// store-and-forward queuing, and randomized fanout.
type Router struct {
	worker.Worker

	log      *logging.Logger
	store    *storage.Store
	client   *transport.Client
	identity *crypto.Identity

	// Bloom filter fronting the persistent seen set: a miss proves the
	// signature is new and skips the read path; a hit defers to the store.
	seenLock sync.Mutex
	seen     *bloom.Filter
}

// New assembles a Router for the unlocked identity.
func New(store *storage.Store, client *transport.Client, identity *crypto.Identity, logBackend *log.Backend) (*Router, error) {
	// A 2^20 bit filter at 0.1% false positives.
	filter, err := bloom.New(rand.Reader, 20, 0.001)
	if err != nil {
		return nil, err
	}
	r := &Router{
		log:      logBackend.GetLogger("zerotrace/router"),
		store:    store,
		client:   client,
		identity: identity,
		seen:     filter,
	}

	// Warm the filter from the persisted set so restarts do not forget.
	sigs, err := store.SeenSignatures()
	if err != nil {
		return nil, err
	}
	for _, sig := range sigs {
		r.seen.TestAndSet(sig)
	}
	return r, nil
}

// Start launches the seen-set expiry sweep.
func (r *Router) Start() {
	r.Go(r.sweepWorker)
}

func (r *Router) sweepWorker() {
	ticker := time.NewTicker(seenSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.HaltCh():
			return
		case <-ticker.C:
			n, err := r.store.SweepSeen(time.Now().Add(-SeenExpiry))
			if err != nil {
				r.log.Errorf("seen sweep failed: %v", err)
			} else if n > 0 {
				seenExpired.Add(float64(n))
				r.log.Debugf("expired %d seen entries", n)
			}
		}
	}
}

// markSeen is the duplicate test-and-set.  The store row is authoritative;
// the bloom filter only lets brand new signatures skip a read.
func (r *Router) markSeen(sig []byte) (bool, error) {
	r.seenLock.Lock()
	maybeSeen := r.seen.TestAndSet(sig)
	r.seenLock.Unlock()

	if maybeSeen {
		if dup, err := r.store.IsSeen(sig); err != nil {
			return false, err
		} else if dup {
			return true, nil
		}
	}
	return r.store.MarkSeen(sig, time.Now())
}

// HandleInbound runs the per-message state machine.  Cryptographic
// failures are silently absorbed (the caller still answers 200) so the
// wire gives no oracle; only malformed envelopes and store failures
// surface as errors.
func (r *Router) HandleInbound(ctx context.Context, w *crypto.WireMessage) error {
	if err := w.Validate(); err != nil {
		return err
	}

	dup, err := r.markSeen(w.Signature)
	if err != nil {
		return err
	}
	if dup {
		duplicateDrops.Inc()
		r.log.Debugf("duplicate message for %s dropped", w.RecipientID)
		return nil
	}

	if w.RecipientID == r.identity.Identifier() {
		r.deliverLocal(w)
		return nil
	}

	mrand := rand.NewMath()
	fwd := *w
	if known, err := r.store.HasContact(fwd.RecipientID); err != nil {
		return err
	} else if known {
		// Queue for the recipient's next pull, at a reduced retry budget.
		fwd.MaxRetry = clamp(fwd.MaxRetry - mrand.Intn(3))
		if err := r.store.PushForward(&fwd); err != nil {
			return err
		}
	}

	prev := fwd.CurrentNodeID
	fwd.CurrentNodeID = r.identity.Identifier()
	fwd.TTL = clamp(fwd.TTL - mrand.Intn(3))
	if fwd.TTL <= 0 || fwd.MaxRetry <= 0 {
		ttlDrops.Inc()
		return nil
	}

	targets, err := r.FanoutTargets(prev)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}

	// Fire and forget; the inbound response is never held for fanout.
	for _, c := range targets {
		go r.forward(c, &fwd)
	}
	return nil
}

func (r *Router) deliverLocal(w *crypto.WireMessage) {
	msg, err := crypto.DecryptMessage(r.identity, w)
	if err != nil {
		cryptoFailures.Inc()
		r.log.Debugf("inbound decrypt failed: %v", err)
		return
	}

	if err := r.store.StoreMessage(&storage.InboxMessage{
		Content:     msg.Msg,
		Timestamp:   msg.Ts,
		SenderID:    msg.SenderID,
		RecipientID: r.identity.Identifier(),
	}); err != nil {
		r.log.Errorf("inbox write failed: %v", err)
		return
	}

	// A validly signed inbound message introduces its sender.
	if err := r.store.AddContact(&storage.Contact{
		Identifier:   msg.SenderID,
		Addr:         msg.Addr,
		KEMPublicKey: msg.Sender.KEMPublicKey,
		SigPublicKey: msg.Sender.SigPublicKey,
	}); err != nil {
		r.log.Warningf("auto-add contact %s failed: %v", msg.SenderID, err)
	}
	r.log.Debugf("delivered message from %s", msg.SenderID)
}

// FanoutTargets samples the randomized forwarding set: contacts minus the
// previous hop, ourselves, and contacts without an address, with
// cardinality drawn uniformly from
// [⌈0.3·E⌉, min(E, FanoutMax)].
func (r *Router) FanoutTargets(prevNodeID string) ([]*storage.Contact, error) {
	contacts, err := r.store.ListContacts()
	if err != nil {
		return nil, err
	}

	eligible := contacts[:0]
	for _, c := range contacts {
		if c.Identifier == prevNodeID || c.Identifier == r.identity.Identifier() || c.Addr == "" {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	low := (len(eligible)*3 + 9) / 10 // ⌈0.3·E⌉
	high := len(eligible)
	if high > FanoutMax {
		high = FanoutMax
	}
	if low > high {
		low = high
	}

	mrand := rand.NewMath()
	n := low + mrand.Intn(high-low+1)
	mrand.Shuffle(len(eligible), func(i, j int) {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	})
	return eligible[:n], nil
}

func (r *Router) forward(c *storage.Contact, w *crypto.WireMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), transport.OperationTimeout)
	defer cancel()
	if err := r.Forward(ctx, c, w); err != nil {
		forwardFailures.Inc()
		r.log.Debugf("forward to %s failed: %v", c.Identifier, err)
	}
}

// Forward synchronously submits the wire message to a contact's /send.
func (r *Router) Forward(ctx context.Context, c *storage.Contact, w *crypto.WireMessage) error {
	if err := r.client.PostJSON(ctx, c.Addr+"/send", w, nil); err != nil {
		return err
	}
	fanoutSends.Inc()
	return nil
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
