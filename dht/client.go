// SPDX-FileCopyrightText: © 2025 The ZeroTrace Authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/zerotrace/zerotrace/transport"
)

// rpcRequest is the JSON body shared by the DHT POST endpoints.  node_id,
// ip, and port identify the requester so the remote can welcome it into its
// routing table; key and value are hex.
type rpcRequest struct {
	NodeID string `json:"node_id"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"`
}

type idResponse struct {
	ID string `json:"id"`
}

type okResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type findResponse struct {
	Value string     `json:"value,omitempty"`
	Nodes []NodeInfo `json:"nodes,omitempty"`
}

// rpc issues the DHT RPCs against remote peers over the proxied transport.
type rpc struct {
	client *transport.Client
	self   NodeInfo
}

func (r *rpc) selfRequest() rpcRequest {
	return rpcRequest{
		NodeID: r.self.ID.Hex(),
		IP:     r.self.Addr,
		Port:   r.self.Port,
	}
}

// GetID fetches a peer's node ID.
func (r *rpc) GetID(ctx context.Context, baseURL string) (ID, error) {
	var resp idResponse
	if err := r.client.GetJSON(ctx, baseURL+"/id", &resp); err != nil {
		return ID{}, err
	}
	return IDFromHex(resp.ID)
}

// Ping probes a peer for liveness.
func (r *rpc) Ping(ctx context.Context, peer NodeInfo) error {
	var resp idResponse
	req := r.selfRequest()
	if err := r.client.PostJSON(ctx, peer.URL()+"/ping", &req, &resp); err != nil {
		return err
	}
	if _, err := IDFromHex(resp.ID); err != nil {
		return fmt.Errorf("%w: bad ping response", transport.ErrMalformed)
	}
	return nil
}

// Bootstrap asks a peer to add us to its routing table.
func (r *rpc) Bootstrap(ctx context.Context, peer NodeInfo) error {
	var resp okResponse
	req := r.selfRequest()
	if err := r.client.PostJSON(ctx, peer.URL()+"/bootstrap", &req, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("dht: bootstrap refused: %s", resp.Error)
	}
	return nil
}

// Store asks a peer to ingest a value.
func (r *rpc) Store(ctx context.Context, peer NodeInfo, key ID, value []byte) error {
	req := r.selfRequest()
	req.Key = key.Hex()
	req.Value = hex.EncodeToString(value)
	var resp okResponse
	if err := r.client.PostJSON(ctx, peer.URL()+"/store", &req, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("dht: store refused: %s", resp.Error)
	}
	return nil
}

// FindNode asks a peer for its k closest nodes to target.
func (r *rpc) FindNode(ctx context.Context, peer NodeInfo, target ID) ([]NodeInfo, error) {
	req := r.selfRequest()
	req.Key = target.Hex()
	var resp findResponse
	if err := r.client.PostJSON(ctx, peer.URL()+"/find_node", &req, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// FindValue asks a peer for a value, falling back to its closest nodes.
func (r *rpc) FindValue(ctx context.Context, peer NodeInfo, key ID) ([]byte, []NodeInfo, error) {
	req := r.selfRequest()
	req.Key = key.Hex()
	var resp findResponse
	if err := r.client.PostJSON(ctx, peer.URL()+"/find_value", &req, &resp); err != nil {
		return nil, nil, err
	}
	if resp.Value != "" {
		value, err := hex.DecodeString(resp.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad value hex", transport.ErrMalformed)
		}
		return value, resp.Nodes, nil
	}
	return nil, resp.Nodes, nil
}
