package rpc

import (
	"fmt"
	"net/rpc"
	"sync"
)

// Client is a thin wrapper around net/rpc.Client that speaks Server's
// alloc/free/destroy/realloc/get_capacity/extend protocol and tracks its
// own outstanding allocations, the same bookkeeping shape as the
// teacher's Client.
type Client struct {
	id        int
	client    *rpc.Client
	allocated map[uint64]uint64 // addr -> requested size
	mu        sync.Mutex
}

// NewClient dials address and returns a Client for it.
func NewClient(id int, address string) (*Client, error) {
	client, err := rpc.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %v", err)
	}

	return &Client{
		id:        id,
		client:    client,
		allocated: make(map[uint64]uint64),
	}, nil
}

// Allocate requests size bytes through the server.
func (c *Client) Allocate(size uint64, containsPointers, zero bool) (uint64, error) {
	req := &AllocRequest{Size: size, ContainsPointers: containsPointers, Zero: zero}
	resp := &AllocResponse{}

	if err := c.client.Call("Server.Allocate", req, resp); err != nil {
		return 0, fmt.Errorf("RPC call failed: %v", err)
	}
	if resp.Error != "" {
		return 0, fmt.Errorf("server error: %s", resp.Error)
	}

	c.mu.Lock()
	c.allocated[resp.Addr] = size
	c.mu.Unlock()

	return resp.Addr, nil
}

// Free releases addr through the server.
func (c *Client) Free(addr uint64) error {
	req := &FreeRequest{Addr: addr}
	resp := &FreeResponse{}

	if err := c.client.Call("Server.Free", req, resp); err != nil {
		return fmt.Errorf("RPC call failed: %v", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("server error: %s", resp.Error)
	}

	c.mu.Lock()
	delete(c.allocated, addr)
	c.mu.Unlock()

	return nil
}

// Destroy runs addr's finalizer (if any) then frees it through the server.
func (c *Client) Destroy(addr uint64) error {
	req := &DestroyRequest{Addr: addr}
	resp := &DestroyResponse{}

	if err := c.client.Call("Server.Destroy", req, resp); err != nil {
		return fmt.Errorf("RPC call failed: %v", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("server error: %s", resp.Error)
	}

	c.mu.Lock()
	delete(c.allocated, addr)
	c.mu.Unlock()

	return nil
}

// Realloc resizes addr through the server.
func (c *Client) Realloc(addr, size uint64, containsPointers bool) (uint64, error) {
	req := &ReallocRequest{Addr: addr, Size: size, ContainsPointers: containsPointers}
	resp := &ReallocResponse{}

	if err := c.client.Call("Server.Realloc", req, resp); err != nil {
		return 0, fmt.Errorf("RPC call failed: %v", err)
	}
	if resp.Error != "" {
		return 0, fmt.Errorf("server error: %s", resp.Error)
	}

	c.mu.Lock()
	delete(c.allocated, addr)
	c.allocated[resp.Addr] = size
	c.mu.Unlock()

	return resp.Addr, nil
}

// GetCapacity queries addr's capacity for the slice [sliceBegin, sliceEnd).
func (c *Client) GetCapacity(addr, sliceBegin, sliceEnd uint64) (uint64, error) {
	req := &CapacityRequest{Addr: addr, SliceBegin: sliceBegin, SliceEnd: sliceEnd}
	resp := &CapacityResponse{}

	if err := c.client.Call("Server.GetCapacity", req, resp); err != nil {
		return 0, fmt.Errorf("RPC call failed: %v", err)
	}
	return resp.Capacity, nil
}

// Extend grows addr's used capacity by delta, gated on sliceEnd matching
// the server's recorded used capacity.
func (c *Client) Extend(addr, sliceEnd, delta uint64) (uint64, bool, error) {
	req := &ExtendRequest{Addr: addr, SliceEnd: sliceEnd, Delta: delta}
	resp := &ExtendResponse{}

	if err := c.client.Call("Server.Extend", req, resp); err != nil {
		return 0, false, fmt.Errorf("RPC call failed: %v", err)
	}
	return resp.NewUsed, resp.OK, nil
}

// GetStats returns the server's running allocation counters.
func (c *Client) GetStats() (StatsResponse, error) {
	resp := StatsResponse{}
	if err := c.client.Call("Server.GetStats", &struct{}{}, &resp); err != nil {
		return StatsResponse{}, fmt.Errorf("RPC call failed: %v", err)
	}
	return resp, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.client.Close()
}
