// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/zerotrace/zerotrace/core/log"
	"github.com/zerotrace/zerotrace/core/worker"
	"github.com/zerotrace/zerotrace/crypto"
	"github.com/zerotrace/zerotrace/dht"
	"github.com/zerotrace/zerotrace/router"
	"github.com/zerotrace/zerotrace/storage"
)

const maxRequestBytes = 1 << 20

// Server is the node's HTTP listener.  It binds a loopback port that is
// only ever reachable from outside through the anonymity overlay's inbound
// tunnel; the bound address is never advertised.
type Server struct {
	worker.Worker

	log    *logging.Logger
	router *router.Router
	store  *storage.Store
	dht    *dht.DHT

	fetchBatch int

	httpServer *http.Server
	listener   net.Listener
}

// NewServer binds addr and assembles the endpoint surface.
func NewServer(addr string, rt *router.Router, store *storage.Store, d *dht.DHT, fetchBatch int, logBackend *log.Backend) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		log:        logBackend.GetLogger("zerotrace/transport"),
		router:     rt,
		store:      store,
		dht:        d,
		fetchBatch: fetchBatch,
		listener:   listener,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /send", s.onSend)
	mux.HandleFunc("POST /get_messages/{identifier}", s.onGetMessages)
	mux.HandleFunc("GET /id", s.onID)
	mux.HandleFunc("POST /ping", s.onPing)
	mux.HandleFunc("POST /bootstrap", s.onBootstrap)
	mux.HandleFunc("POST /store", s.onStore)
	mux.HandleFunc("POST /set", s.onSet)
	mux.HandleFunc("POST /find_node", s.onFindNode)
	mux.HandleFunc("POST /find_value", s.onFindValue)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  ReadTimeout,
		WriteTimeout: ReadTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves until Halt.
func (s *Server) Start() {
	s.Go(func() {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("listener failed: %v", err)
		}
	})
	s.Go(func() {
		<-s.HaltCh()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return false
	}
	return true
}

// onSend ingests a wire message.  Repeated submissions of the same message
// return 200 with no side effects; cryptographic failures are absorbed so
// the status code leaks nothing.
func (s *Server) onSend(w http.ResponseWriter, r *http.Request) {
	msg := new(crypto.WireMessage)
	if !decodeJSON(w, r, msg) {
		return
	}
	if err := s.router.HandleInbound(r.Context(), msg); err != nil {
		if errors.Is(err, crypto.ErrMalformed) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed message"})
			return
		}
		s.log.Errorf("send handling failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// onGetMessages drains and returns queued messages for the identifier.
// The caller proves nothing; reachability of this endpoint is gated by the
// overlay.
func (s *Server) onGetMessages(w http.ResponseWriter, r *http.Request) {
	identifier := r.PathValue("identifier")
	if len(identifier) != crypto.IdentifierLength {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed identifier"})
		return
	}
	msgs, err := s.store.DrainForward(identifier, s.fetchBatch)
	if err != nil {
		s.log.Errorf("forward drain failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if msgs == nil {
		msgs = []*crypto.WireMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (s *Server) onID(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"id": s.dht.Self().ID.Hex()})
}

// dhtRequest mirrors the DHT RPC body.
type dhtRequest struct {
	NodeID string `json:"node_id"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"`
}

func (req *dhtRequest) source() (dht.NodeInfo, error) {
	id, err := dht.IDFromHex(req.NodeID)
	if err != nil {
		return dht.NodeInfo{}, err
	}
	return dht.NodeInfo{ID: id, Addr: req.IP, Port: req.Port}, nil
}

func (req *dhtRequest) key() (dht.ID, error) {
	return dht.IDFromHex(req.Key)
}

func (s *Server) onPing(w http.ResponseWriter, r *http.Request) {
	req := new(dhtRequest)
	if !decodeJSON(w, r, req) {
		return
	}
	src, err := req.source()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed node id"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": s.dht.OnPing(src).Hex()})
}

func (s *Server) onBootstrap(w http.ResponseWriter, r *http.Request) {
	req := new(dhtRequest)
	if !decodeJSON(w, r, req) {
		return
	}
	src, err := req.source()
	if err != nil || src.Addr == "" || src.Port == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "malformed node"})
		return
	}
	s.dht.OnBootstrap(src)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) onStore(w http.ResponseWriter, r *http.Request) {
	req := new(dhtRequest)
	if !decodeJSON(w, r, req) {
		return
	}
	src, err := req.source()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "malformed node id"})
		return
	}
	key, err := req.key()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "malformed key"})
		return
	}
	value, err := hex.DecodeString(req.Value)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "malformed value"})
		return
	}
	if err := s.dht.OnStore(src, key, value); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// onSet performs the replicated store: the value is validated and pushed to
// a randomized set of nodes close to the key.
func (s *Server) onSet(w http.ResponseWriter, r *http.Request) {
	req := new(dhtRequest)
	if !decodeJSON(w, r, req) {
		return
	}
	value, err := hex.DecodeString(req.Value)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "malformed value"})
		return
	}
	rec, err := dht.ParseRecord(value, time.Now())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	if req.Key != "" {
		key, err := req.key()
		if err != nil || dht.KeyForIdentifier(rec.Identifier) != key {
			writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": "key does not match record"})
			return
		}
	}
	if _, err := s.dht.StoreRecord(r.Context(), rec, false); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) onFindNode(w http.ResponseWriter, r *http.Request) {
	req := new(dhtRequest)
	if !decodeJSON(w, r, req) {
		return
	}
	src, err := req.source()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed node id"})
		return
	}
	key, err := req.key()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed key"})
		return
	}
	nodes := s.dht.OnFindNode(src, key)
	if nodes == nil {
		nodes = []dht.NodeInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

func (s *Server) onFindValue(w http.ResponseWriter, r *http.Request) {
	req := new(dhtRequest)
	if !decodeJSON(w, r, req) {
		return
	}
	src, err := req.source()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed node id"})
		return
	}
	key, err := req.key()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed key"})
		return
	}
	value, nodes := s.dht.OnFindValue(src, key)
	if value != nil {
		writeJSON(w, http.StatusOK, map[string]string{"value": hex.EncodeToString(value)})
		return
	}
	if nodes == nil {
		nodes = []dht.NodeInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}
