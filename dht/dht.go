// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/op/go-logging.v1"

	"github.com/zerotrace/zerotrace/core/log"
	"github.com/zerotrace/zerotrace/core/worker"
	"github.com/zerotrace/zerotrace/crypto"
	"github.com/zerotrace/zerotrace/transport"
)

// Alpha is the lookup parallelism.
const Alpha = 3

// Maintenance cadences.
const (
	refreshInterval   = time.Hour
	replicateInterval = time.Hour
	expireInterval    = 6 * time.Hour
	livenessInterval  = 5 * time.Minute
	livenessCutoff    = 15 * time.Minute
	valueExpiry       = 24 * time.Hour
	rpcTimeout        = 40 * time.Second
	knownNodeMaxAge   = 7 * 24 * time.Hour
)

var (
	rejectedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerotrace_dht_rejected_records_total",
		Help: "Number of DHT records refused on ingest or discarded during lookups.",
	})
	lookupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerotrace_dht_rpc_failures_total",
		Help: "Number of failed DHT RPCs.",
	})
	evictedNodes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zerotrace_dht_evicted_nodes_total",
		Help: "Number of nodes evicted by the liveness sweep.",
	})
)

// DHT is the Kademlia node: routing table, value store, lookup engine, and
// maintenance loops.
type DHT struct {
	worker.Worker

	log     *logging.Logger
	table   *Table
	storage *Storage
	rpc     *rpc
	self    NodeInfo
}

// New assembles a DHT node.  The node ID persists in storage across
// restarts, and previously known peers reseed the routing table.
func New(storage *Storage, client *transport.Client, addr string, port int, logBackend *log.Backend) (*DHT, error) {
	id, err := storage.NodeID()
	if err != nil {
		return nil, err
	}
	self := NodeInfo{ID: id, Addr: addr, Port: port}
	d := &DHT{
		log:     logBackend.GetLogger("zerotrace/dht"),
		table:   NewTable(id),
		storage: storage,
		rpc:     &rpc{client: client, self: self},
		self:    self,
	}

	nodes, err := storage.KnownNodes(time.Now().Add(-knownNodeMaxAge))
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.ID != id {
			d.table.Update(n)
		}
	}
	d.log.Debugf("node %s up, %d known peers", id.Hex(), len(nodes))
	return d, nil
}

// Self returns the local node's info.
func (d *DHT) Self() NodeInfo {
	return d.self
}

// Table returns the routing table.
func (d *DHT) Table() *Table {
	return d.table
}

// Start launches the maintenance loops.
func (d *DHT) Start() {
	d.Go(func() { d.maintenanceWorker(refreshInterval, d.refreshBuckets) })
	d.Go(func() { d.maintenanceWorker(replicateInterval, d.replicateValues) })
	d.Go(func() { d.maintenanceWorker(expireInterval, d.expireValues) })
	d.Go(func() { d.maintenanceWorker(livenessInterval, d.sweepLiveness) })
}

func (d *DHT) maintenanceWorker(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.HaltCh():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// welcome records activity from a peer, persisting it when it earns a
// bucket slot.
func (d *DHT) welcome(n NodeInfo) {
	if n.ID == d.self.ID || n.Addr == "" || n.Port == 0 {
		return
	}
	if d.table.Update(n) {
		if err := d.storage.StoreNode(n, time.Now()); err != nil {
			d.log.Warningf("failed to persist node %s: %v", n.ID.Hex(), err)
		}
	}
}

// Bootstrap joins the network through a known peer: learn its ID, announce
// ourselves, then perform a self-lookup to populate nearby buckets.
func (d *DHT) Bootstrap(ctx context.Context, addr string, port int) error {
	base := fmt.Sprintf("http://%s:%d", addr, port)
	id, err := d.rpc.GetID(ctx, base)
	if err != nil {
		return err
	}
	peer := NodeInfo{ID: id, Addr: addr, Port: port}
	d.welcome(peer)
	if err = d.rpc.Bootstrap(ctx, peer); err != nil {
		return err
	}
	d.IterativeFindNode(ctx, d.self.ID)
	return nil
}

// shortlist is the working set of an iterative lookup.
type shortlist struct {
	target  ID
	nodes   map[ID]NodeInfo
	queried map[ID]bool
}

func newShortlist(target ID, seed []NodeInfo) *shortlist {
	s := &shortlist{
		target:  target,
		nodes:   make(map[ID]NodeInfo),
		queried: make(map[ID]bool),
	}
	s.add(seed)
	return s
}

func (s *shortlist) add(nodes []NodeInfo) {
	for _, n := range nodes {
		if _, ok := s.nodes[n.ID]; !ok {
			s.nodes[n.ID] = n
		}
	}
}

// next returns up to count closest not-yet-queried candidates.
func (s *shortlist) next(count int) []NodeInfo {
	var candidates []NodeInfo
	for id, n := range s.nodes {
		if !s.queried[id] {
			candidates = append(candidates, n)
		}
	}
	sortByDistance(candidates, s.target)
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// closest returns up to count closest known candidates.
func (s *shortlist) closest(count int) []NodeInfo {
	all := make([]NodeInfo, 0, len(s.nodes))
	for _, n := range s.nodes {
		all = append(all, n)
	}
	sortByDistance(all, s.target)
	if len(all) > count {
		all = all[:count]
	}
	return all
}

type lookupResult struct {
	from  NodeInfo
	value []byte
	nodes []NodeInfo
	err   error
}

// IterativeFindNode performs an iterative node lookup and returns the k
// closest nodes found.
func (d *DHT) IterativeFindNode(ctx context.Context, target ID) []NodeInfo {
	nodes, _ := d.iterativeLookup(ctx, target, false)
	return nodes
}

// iterativeLookup drives the α-parallel lookup.  Rounds of α queries widen
// the shortlist until no round returns a closer node, then one exhaustive
// round over the k best candidates closes the lookup.  With findValue set
// it short-circuits on the first validly signed record, discarding invalid
// ones and moving on to other candidates.
func (d *DHT) iterativeLookup(ctx context.Context, target ID, findValue bool) ([]NodeInfo, *Record) {
	sl := newShortlist(target, d.table.Closest(target, BucketSize))
	finalRound := false

	for {
		width := Alpha
		if finalRound {
			width = BucketSize
		}
		batch := sl.next(width)
		if len(batch) == 0 {
			return sl.closest(BucketSize), nil
		}

		prevBest := closestDistance(sl, target)

		resultCh := make(chan lookupResult, len(batch))
		var wg sync.WaitGroup
		for _, peer := range batch {
			sl.queried[peer.ID] = true
			wg.Add(1)
			go func(peer NodeInfo) {
				defer wg.Done()
				rctx, cancel := context.WithTimeout(ctx, rpcTimeout)
				defer cancel()
				var res lookupResult
				res.from = peer
				if findValue {
					res.value, res.nodes, res.err = d.rpc.FindValue(rctx, peer, target)
				} else {
					res.nodes, res.err = d.rpc.FindNode(rctx, peer, target)
				}
				resultCh <- res
			}(peer)
		}
		wg.Wait()
		close(resultCh)

		for res := range resultCh {
			if res.err != nil {
				lookupFailures.Inc()
				d.log.Debugf("lookup rpc to %s failed: %v", res.from.ID.Hex(), res.err)
				continue
			}
			d.welcome(res.from)
			if findValue && res.value != nil {
				rec, err := ParseRecord(res.value, time.Now())
				if err != nil {
					// Poisoned or stale; keep walking the candidate set.
					rejectedRecords.Inc()
					d.log.Debugf("discarding invalid record from %s: %v", res.from.ID.Hex(), err)
				} else {
					return sl.closest(BucketSize), rec
				}
			}
			for _, n := range res.nodes {
				if n.ID != d.self.ID {
					sl.add([]NodeInfo{n})
				}
			}
		}

		improved := lessDistance(closestDistance(sl, target), prevBest)
		if improved {
			finalRound = false
		} else {
			if finalRound {
				return sl.closest(BucketSize), nil
			}
			finalRound = true
		}

		select {
		case <-ctx.Done():
			return sl.closest(BucketSize), nil
		default:
		}
	}
}

func closestDistance(sl *shortlist, target ID) ID {
	best := sl.closest(1)
	if len(best) == 0 {
		var max ID
		for i := range max {
			max[i] = 0xff
		}
		return max
	}
	return best[0].ID.Distance(target)
}

func lessDistance(a, b ID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// Discover looks up the record for a user identifier, preferring a locally
// stored copy when it is still valid.
func (d *DHT) Discover(ctx context.Context, identifier string) (*Record, error) {
	key := KeyForIdentifier(identifier)
	if blob, err := d.storage.GetValue(key); err == nil {
		if rec, err := ParseRecord(blob, time.Now()); err == nil && rec.Identifier == identifier {
			return rec, nil
		}
	}

	_, rec := d.iterativeLookup(ctx, key, true)
	if rec == nil {
		return nil, ErrNotFound
	}
	if rec.Identifier != identifier {
		rejectedRecords.Inc()
		return nil, ErrMalformedRecord
	}
	// Cache for future lookups and replication.
	if blob, err := rec.Marshal(); err == nil {
		d.storage.PutValue(key, blob, time.Now(), false)
	}
	return rec, nil
}

// PublishSelf signs and publishes the identity's address record.  Returns
// the number of peers that accepted the store.
func (d *DHT) PublishSelf(ctx context.Context, id *crypto.Identity, addr string) (int, error) {
	rec := SignRecord(id, addr)
	return d.StoreRecord(ctx, rec, true)
}

// StoreRecord replicates a record to a randomized set of close nodes.  To
// defeat predictable eclipse placement, the replica set is sampled
// uniformly from twice as many close candidates as will be used.  The store
// succeeds when at least ⌈k/2⌉ of the attempted peers accept (bounded by
// the number of reachable candidates on small networks).
func (d *DHT) StoreRecord(ctx context.Context, rec *Record, origin bool) (int, error) {
	if err := rec.Validate(time.Now()); err != nil {
		return 0, err
	}
	blob, err := rec.Marshal()
	if err != nil {
		return 0, err
	}
	key := KeyForIdentifier(rec.Identifier)

	// The originator always holds its own record.
	if err := d.storage.PutValue(key, blob, time.Now(), origin); err != nil {
		return 0, err
	}

	mrand := rand.NewMath()
	targetCount := BucketSize + mrand.Intn(6)
	targets := d.sampleClose(ctx, key, targetCount)
	if len(targets) == 0 {
		return 0, nil
	}

	accepted := d.storeToPeers(ctx, targets, key, blob)

	threshold := (BucketSize + 1) / 2
	if len(targets) < threshold {
		threshold = len(targets)
	}
	if accepted < threshold {
		return accepted, fmt.Errorf("dht: store quorum not reached (%d/%d)", accepted, threshold)
	}
	return accepted, nil
}

// sampleClose returns up to count nodes sampled uniformly without
// replacement from the 2*count closest known candidates to key.
func (d *DHT) sampleClose(ctx context.Context, key ID, count int) []NodeInfo {
	sl := newShortlist(key, d.IterativeFindNode(ctx, key))
	sl.add(d.table.Closest(key, 2*count))
	pool := sl.closest(2 * count)

	mrand := rand.NewMath()
	mrand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if len(pool) > count {
		pool = pool[:count]
	}
	return pool
}

func (d *DHT) storeToPeers(ctx context.Context, peers []NodeInfo, key ID, blob []byte) int {
	var wg sync.WaitGroup
	acceptCh := make(chan struct{}, len(peers))
	for _, peer := range peers {
		wg.Add(1)
		go func(peer NodeInfo) {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, rpcTimeout)
			defer cancel()
			if err := d.rpc.Store(rctx, peer, key, blob); err != nil {
				lookupFailures.Inc()
				d.log.Debugf("store to %s failed: %v", peer.ID.Hex(), err)
				return
			}
			acceptCh <- struct{}{}
		}(peer)
	}
	wg.Wait()
	close(acceptCh)
	return len(acceptCh)
}

// Maintenance sweeps.

func (d *DHT) refreshBuckets() {
	cutoff := time.Now().Add(-refreshInterval)
	for _, idx := range d.table.StaleBuckets(cutoff) {
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		d.IterativeFindNode(ctx, RandomIDInBucket(d.self.ID, idx))
		cancel()
	}
}

func (d *DHT) replicateValues() {
	values, err := d.storage.Values()
	if err != nil {
		d.log.Errorf("replication sweep: %v", err)
		return
	}
	mrand := rand.NewMath()
	for _, v := range values {
		ctx, cancel := context.WithTimeout(context.Background(), 2*rpcTimeout)
		targets := d.sampleClose(ctx, v.Key, BucketSize+mrand.Intn(4))
		d.storeToPeers(ctx, targets, v.Key, v.Value)
		cancel()
	}
}

func (d *DHT) expireValues() {
	values, err := d.storage.Values()
	if err != nil {
		d.log.Errorf("expiration sweep: %v", err)
		return
	}
	cutoff := time.Now().Add(-valueExpiry).Unix()
	for _, v := range values {
		if v.Timestamp >= cutoff {
			continue
		}
		if v.Origin {
			// Originated values are refreshed rather than dropped; the
			// owner republishes with a fresh timestamp.
			d.storage.PutValue(v.Key, v.Value, time.Now(), true)
			ctx, cancel := context.WithTimeout(context.Background(), 2*rpcTimeout)
			targets := d.sampleClose(ctx, v.Key, BucketSize)
			d.storeToPeers(ctx, targets, v.Key, v.Value)
			cancel()
			continue
		}
		if err := d.storage.DeleteValue(v.Key); err != nil {
			d.log.Warningf("failed to expire value %s: %v", v.Key.Hex(), err)
		}
	}
}

func (d *DHT) sweepLiveness() {
	stale := d.table.UnseenSince(time.Now().Add(-livenessCutoff))
	for _, n := range stale {
		ctx, cancel := context.WithTimeout(context.Background(), transport.ConnectTimeout)
		err := d.rpc.Ping(ctx, n)
		cancel()
		if err != nil {
			evictedNodes.Inc()
			d.log.Debugf("evicting unresponsive node %s", n.ID.Hex())
			d.table.Remove(n.ID)
			d.storage.DeleteNode(n.ID)
		} else {
			d.table.Update(n)
		}
	}
}

// RPC ingest, called by the transport server.

// OnPing handles a ping from src.
func (d *DHT) OnPing(src NodeInfo) ID {
	d.welcome(src)
	return d.self.ID
}

// OnBootstrap admits src into the routing table.
func (d *DHT) OnBootstrap(src NodeInfo) {
	d.welcome(src)
}

// OnStore validates and ingests a value pushed by src.  Records failing
// validation are refused.
func (d *DHT) OnStore(src NodeInfo, key ID, value []byte) error {
	d.welcome(src)
	rec, err := ParseRecord(value, time.Now())
	if err != nil {
		rejectedRecords.Inc()
		d.log.Debugf("refusing record for key %s: %v", key.Hex(), err)
		return err
	}
	if KeyForIdentifier(rec.Identifier) != key {
		rejectedRecords.Inc()
		return ErrMalformedRecord
	}
	return d.storage.PutValue(key, value, time.Now(), false)
}

// OnFindNode returns the k closest nodes to target.
func (d *DHT) OnFindNode(src NodeInfo, target ID) []NodeInfo {
	d.welcome(src)
	return d.table.Closest(target, BucketSize)
}

// OnFindValue returns the stored value for key, or the k closest nodes.
func (d *DHT) OnFindValue(src NodeInfo, key ID) ([]byte, []NodeInfo) {
	d.welcome(src)
	if value, err := d.storage.GetValue(key); err == nil {
		return value, nil
	}
	return nil, d.table.Closest(key, BucketSize)
}
