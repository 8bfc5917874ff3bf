// Package rpc wraps the upstream node's JSON-RPC 2.0 "getwork" surface.
//
// It exposes exactly the five methods the proxy needs (getWork, submitWork,
// submitHashrate, blockNumber, mining) and nothing else — the upstream node
// is an opaque collaborator, not something this module models in full.
package rpc

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethrpc "github.com/ethereum/go-ethereum/rpc"
)

// requestTimeout bounds every call made to the upstream node.
const requestTimeout = 10 * time.Second

// Client is a thin, stateless wrapper around go-ethereum's rpc.Client
// pointed at a getwork-capable node.
type Client struct {
	Name string
	URL  string

	client *ethrpc.Client
}

// NewClient dials the upstream node's HTTP JSON-RPC endpoint. Dialing is
// lazy on the underlying client's part — it does not itself probe
// reachability; callers should follow up with a real call (see the
// bootstrap probe in main.go).
func NewClient(name, url string) (*Client, error) {
	httpClient := &http.Client{Timeout: requestTimeout}
	c, err := ethrpc.DialHTTPWithClient(url, httpClient)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", url, err)
	}
	return &Client{Name: name, URL: url, client: c}, nil
}

func (c *Client) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// GetWork returns [headerHash, seedHash, boundary], or nil on any transport
// or RPC-level error. It never propagates an error to its caller — callers
// treat a nil result as "no work available, try again next poll".
func (c *Client) GetWork() []string {
	ctx, cancel := c.ctx()
	defer cancel()

	var result []string
	if err := c.client.CallContext(ctx, &result, "eth_getWork"); err != nil {
		log.Printf("rpc: eth_getWork failed: %v", err)
		return nil
	}
	return result
}

// SubmitWork posts a solution upstream and returns the node's verdict.
// Errors (transport or RPC-level) propagate to the caller.
func (c *Client) SubmitWork(nonce, headerHash, mixDigest string) (bool, error) {
	ctx, cancel := c.ctx()
	defer cancel()

	var result bool
	err := c.client.CallContext(ctx, &result, "eth_submitWork", nonce, headerHash, mixDigest)
	if err != nil {
		return false, fmt.Errorf("eth_submitWork: %w", err)
	}
	return result, nil
}

// SubmitHashrate is best-effort; any error is swallowed and logged.
func (c *Client) SubmitHashrate(rateHex, clientID string) {
	ctx, cancel := c.ctx()
	defer cancel()

	var result bool
	if err := c.client.CallContext(ctx, &result, "eth_submitHashrate", rateHex, clientID); err != nil {
		log.Printf("rpc: eth_submitHashrate failed: %v", err)
	}
}

// BlockNumber returns the current chain height.
func (c *Client) BlockNumber() (uint64, error) {
	ctx, cancel := c.ctx()
	defer cancel()

	var result hexutil.Uint64
	if err := c.client.CallContext(ctx, &result, "eth_blockNumber"); err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return uint64(result), nil
}

// MiningActive reports whether the node has mining/work-generation enabled.
func (c *Client) MiningActive() (bool, error) {
	ctx, cancel := c.ctx()
	defer cancel()

	var result bool
	if err := c.client.CallContext(ctx, &result, "eth_mining"); err != nil {
		return false, fmt.Errorf("eth_mining: %w", err)
	}
	return result, nil
}

// Close releases the underlying HTTP transport.
func (c *Client) Close() {
	c.client.Close()
}
