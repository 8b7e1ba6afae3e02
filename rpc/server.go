package rpc

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"

	"github.com/shenjiangwei/coreheap/extent"
	"github.com/shenjiangwei/coreheap/region"
	"github.com/shenjiangwei/coreheap/sizeclass"
	"github.com/shenjiangwei/coreheap/tcache"
)

// Server exposes a tcache.TCache over net/rpc, the same shape as the
// teacher's memory-pool server: a thin struct wrapping the core and a
// mutex around the calls that mutate allocator state (Allocate, Free,
// Destroy, Realloc). net/rpc runs each incoming call in its own goroutine,
// so those calls are serialized by this mutex, as in the teacher's server.
// Each Server registers on its own net/rpc server rather than the
// package-level default one.
type Server struct {
	tc        *tcache.TCache
	mu        sync.Mutex
	rpcServer *rpc.Server
}

// AllocRequest represents a memory allocation request.
type AllocRequest struct {
	Size             uint64
	ContainsPointers bool
	Zero             bool
}

// AllocResponse represents a memory allocation response.
type AllocResponse struct {
	Addr  uint64
	Error string
}

// FreeRequest represents a memory free request. Unlike the teacher's
// buddy/slab allocator, a tcache free needs only the address — the owning
// arena and extent are recovered via the emap.
type FreeRequest struct {
	Addr uint64
}

// FreeResponse represents a memory free response.
type FreeResponse struct {
	Error string
}

// DestroyRequest runs any registered finalizer before freeing.
type DestroyRequest struct {
	Addr uint64
}

// DestroyResponse represents a destroy response.
type DestroyResponse struct {
	Error string
}

// ReallocRequest represents a resize request.
type ReallocRequest struct {
	Addr             uint64
	Size             uint64
	ContainsPointers bool
}

// ReallocResponse represents a resize response.
type ReallocResponse struct {
	Addr  uint64
	Error string
}

// CapacityRequest represents a get_capacity query.
type CapacityRequest struct {
	Addr       uint64
	SliceBegin uint64
	SliceEnd   uint64
}

// CapacityResponse represents a get_capacity result.
type CapacityResponse struct {
	Capacity uint64
}

// ExtendRequest represents an extend call.
type ExtendRequest struct {
	Addr     uint64
	SliceEnd uint64
	Delta    uint64
}

// ExtendResponse represents an extend result.
type ExtendResponse struct {
	NewUsed uint64
	OK      bool
}

// StatsResponse mirrors tcache.Stats over the wire.
type StatsResponse struct {
	Allocs   uint64
	Frees    uint64
	Destroys uint64
	Reallocs uint64
}

// NewServer creates a server backed by a fresh TCache over provider.
// cpuID, if nil, uses TCache's default round-robin CPU approximation.
func NewServer(provider region.Provider, cpuID func() int) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("rpc: a region provider is required")
	}
	server := &Server{tc: tcache.New(provider, cpuID), rpcServer: rpc.NewServer()}
	if err := server.rpcServer.Register(server); err != nil {
		return nil, fmt.Errorf("failed to register server: %v", err)
	}
	return server, nil
}

// Start starts the server on the specified address.
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to start server: %v", err)
	}
	defer listener.Close()

	Info("rpc server listening on %s", address)

	for {
		conn, err := listener.Accept()
		if err != nil {
			Error("failed to accept connection: %v", err)
			continue
		}
		go s.rpcServer.ServeConn(conn)
	}
}

func (s *Server) Allocate(req *AllocRequest, resp *AllocResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ptr, ok := s.tc.Alloc(req.Size, req.ContainsPointers, req.Zero)
	if !ok {
		resp.Error = tcache.ErrOutOfMemory.Error()
		return nil
	}
	resp.Addr = uint64(ptr)
	return nil
}

func (s *Server) Free(req *FreeRequest, resp *FreeResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.tc.Free(extent.Addr(req.Addr)) {
		resp.Error = tcache.ErrInvalidPointer.Error()
	}
	return nil
}

func (s *Server) Destroy(req *DestroyRequest, resp *DestroyResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.tc.Destroy(extent.Addr(req.Addr)) {
		resp.Error = tcache.ErrInvalidPointer.Error()
	}
	return nil
}

func (s *Server) Realloc(req *ReallocRequest, resp *ReallocResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ptr, ok := s.tc.Realloc(extent.Addr(req.Addr), req.Size, req.ContainsPointers)
	if !ok {
		resp.Error = tcache.ErrOutOfMemory.Error()
		return nil
	}
	resp.Addr = uint64(ptr)
	return nil
}

func (s *Server) GetCapacity(req *CapacityRequest, resp *CapacityResponse) error {
	resp.Capacity = s.tc.GetCapacity(extent.Addr(req.Addr), req.SliceBegin, req.SliceEnd)
	return nil
}

func (s *Server) Extend(req *ExtendRequest, resp *ExtendResponse) error {
	newUsed, ok := s.tc.Extend(extent.Addr(req.Addr), req.SliceEnd, req.Delta)
	resp.NewUsed = newUsed
	resp.OK = ok
	return nil
}

func (s *Server) GetStats(_ *struct{}, resp *StatsResponse) error {
	stats := s.tc.Stats()
	resp.Allocs = stats.Allocs
	resp.Frees = stats.Frees
	resp.Destroys = stats.Destroys
	resp.Reallocs = stats.Reallocs
	return nil
}

// MaxAllocationSize is exposed so clients can validate requests locally
// before making a round trip.
func MaxAllocationSize() uint64 {
	return sizeclass.MaxAllocationSize
}
