package raftrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// serviceName is the fully-qualified gRPC service path, mirroring what
// a raft.proto compiled with protoc-gen-go-grpc would emit.
const serviceName = "raftrpc.RaftService"

// Handler is implemented by internal/raft.Node to serve inbound RPCs —
// kept narrow so this package never imports internal/raft (it would
// create an import cycle; internal/raft imports raftrpc's message
// types instead).
type Handler interface {
	HandleRequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteReply, error)
	HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesReply, error)
}

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would generate for a RaftService with RequestVote/AppendEntries
// unary methods, wired to grpc.Server.RegisterService directly (no
// generated _grpc.pb.go exists in this exercise).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftrpc.proto",
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(RequestVoteRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).HandleRequestVote(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestVote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Handler).HandleRequestVote(ctx, req.(*RequestVoteRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(AppendEntriesRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).HandleAppendEntries(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AppendEntries"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Handler).HandleAppendEntries(ctx, req.(*AppendEntriesRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// Client invokes RaftService methods against a peer's grpc.ClientConn,
// using each message's hand-written Marshal/Unmarshal via the codec
// registered in codec.go.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an established connection (dialed by cmd/fixgatewayd
// with grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName))).
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// RequestVote invokes the peer's RequestVote RPC.
func (c *Client) RequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteReply, error) {
	reply := new(RequestVoteReply)
	opt := grpc.CallContentSubtype(codecName)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/RequestVote", req, reply, opt); err != nil {
		return nil, fmt.Errorf("raftrpc: RequestVote call: %w", err)
	}
	return reply, nil
}

// AppendEntries invokes the peer's AppendEntries RPC.
func (c *Client) AppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesReply, error) {
	reply := new(AppendEntriesReply)
	opt := grpc.CallContentSubtype(codecName)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/AppendEntries", req, reply, opt); err != nil {
		return nil, fmt.Errorf("raftrpc: AppendEntries call: %w", err)
	}
	return reply, nil
}
