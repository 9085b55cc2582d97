package admin

import (
	"context"
)

// Wire types for the AttachDetachService. Hand-written rather than
// protoc-generated, matching the jsonCodec registered in codec.go: each
// type is a plain Go struct carrying JSON-friendly fields.

// AttachRequest carries the attach mode a caller names for the shared
// filter program. The service does not consult Mode: it attaches in the
// manager's configured mode whatever the request carries.
type AttachRequest struct {
	Mode string
}

type AttachResponse struct {
	Attached bool
	Error    string
}

type DetachRequest struct{}

type DetachResponse struct {
	Detached bool
	Error    string
}

// RegisterRequest asks the manager to assign a queue id to a socket
// identity, encoded as its canonical UUID string form, and points the
// redirect-target map at Fd — the registering socket's real file
// descriptor, valid in the admin surface's own process/container.
type RegisterRequest struct {
	Identity string
	Fd       int32
}

type RegisterResponse struct {
	QueueID uint32
	Error   string
}

type StatsRequest struct{}

type StatsResponse struct {
	Interface      string
	Attached       bool
	RegisteredQ    int32
	MaxQueues      uint32
	UsingGenerated bool
}

// AttachDetachServiceServer is the RPC surface cmd/xdpctl drives: the same
// lifecycle operations the in-process Runtime performs on startup, exposed
// so an operator tool can attach, detach, register a queue, or inspect
// state without embedding the manager itself.
type AttachDetachServiceServer interface {
	Attach(context.Context, *AttachRequest) (*AttachResponse, error)
	Detach(context.Context, *DetachRequest) (*DetachResponse, error)
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
}

// UnimplementedAttachDetachServiceServer can be embedded by a server
// implementation to satisfy the interface for RPCs it doesn't support yet.
type UnimplementedAttachDetachServiceServer struct{}

func (UnimplementedAttachDetachServiceServer) Attach(context.Context, *AttachRequest) (*AttachResponse, error) {
	return nil, nil
}

func (UnimplementedAttachDetachServiceServer) Detach(context.Context, *DetachRequest) (*DetachResponse, error) {
	return nil, nil
}

func (UnimplementedAttachDetachServiceServer) Register(context.Context, *RegisterRequest) (*RegisterResponse, error) {
	return nil, nil
}

func (UnimplementedAttachDetachServiceServer) Stats(context.Context, *StatsRequest) (*StatsResponse, error) {
	return nil, nil
}

var _ AttachDetachServiceServer = (*UnimplementedAttachDetachServiceServer)(nil)
