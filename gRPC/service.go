package proto

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "facetrack.ExpressionService"

// ModelNameHeader carries the target file name of an UploadModel stream.
const ModelNameHeader = "x-model-name"

// ExpressionServiceServer is the expression streaming and control service. Messages are
// protobuf well-known types so no generated code is needed.
type ExpressionServiceServer interface {
	Subscribe(*emptypb.Empty, ExpressionService_SubscribeServer) error
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Latest(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Reinitialize(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	ApplyFilterConfig(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	UploadModel(ExpressionService_UploadModelServer) error
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

type ExpressionService_SubscribeServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type expressionServiceSubscribeServer struct {
	grpc.ServerStream
}

func (x *expressionServiceSubscribeServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

type ExpressionService_UploadModelServer interface {
	SendAndClose(*wrapperspb.StringValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ServerStream
}

type expressionServiceUploadModelServer struct {
	grpc.ServerStream
}

func (x *expressionServiceUploadModelServer) SendAndClose(m *wrapperspb.StringValue) error {
	return x.ServerStream.SendMsg(m)
}

func (x *expressionServiceUploadModelServer) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req any, Resp any](name string, call func(ExpressionServiceServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ExpressionServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ExpressionServiceServer), ctx, req.(*Req))
			})
		},
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ExpressionServiceServer).Subscribe(m, &expressionServiceSubscribeServer{stream})
}

func uploadModelHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ExpressionServiceServer).UploadModel(&expressionServiceUploadModelServer{stream})
}

var ExpressionService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExpressionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", ExpressionServiceServer.Status),
		unary("Latest", ExpressionServiceServer.Latest),
		unary("Reinitialize", ExpressionServiceServer.Reinitialize),
		unary("ApplyFilterConfig", ExpressionServiceServer.ApplyFilterConfig),
		unary("Shutdown", ExpressionServiceServer.Shutdown),
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
		{StreamName: "UploadModel", Handler: uploadModelHandler, ClientStreams: true},
	},
	Metadata: "facetrack/expressions.proto",
}

func RegisterExpressionServiceServer(s grpc.ServiceRegistrar, srv ExpressionServiceServer) {
	s.RegisterService(&ExpressionService_ServiceDesc, srv)
}

// Client calls ExpressionService over any client connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Status"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Latest(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Latest"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Reinitialize(ctx context.Context, pipeline string) error {
	return c.cc.Invoke(ctx, fullMethod("Reinitialize"), wrapperspb.String(pipeline), &emptypb.Empty{})
}

func (c *Client) ApplyFilterConfig(ctx context.Context, cfg *structpb.Struct) error {
	return c.cc.Invoke(ctx, fullMethod("ApplyFilterConfig"), cfg, &emptypb.Empty{})
}

func (c *Client) Shutdown(ctx context.Context) error {
	return c.cc.Invoke(ctx, fullMethod("Shutdown"), &emptypb.Empty{}, &emptypb.Empty{})
}

// Subscribe opens the update stream. recv returns io.EOF when the server ends it.
func (c *Client) Subscribe(ctx context.Context) (recv func() (*structpb.Struct, error), err error) {
	stream, err := c.cc.NewStream(ctx, &ExpressionService_ServiceDesc.Streams[0], fullMethod("Subscribe"))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return func() (*structpb.Struct, error) {
		m := new(structpb.Struct)
		if err := stream.RecvMsg(m); err != nil {
			return nil, err
		}
		return m, nil
	}, nil
}

// UploadModel streams r to the server in chunks and returns the stored path.
func (c *Client) UploadModel(ctx context.Context, name string, r io.Reader) (string, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, ModelNameHeader, name)
	stream, err := c.cc.NewStream(ctx, &ExpressionService_ServiceDesc.Streams[1], fullMethod("UploadModel"))
	if err != nil {
		return "", err
	}
	buf := make([]byte, 64*1024)
send:
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := stream.SendMsg(wrapperspb.Bytes(append([]byte(nil), buf[:n]...))); err != nil {
				if errors.Is(err, io.EOF) {
					// server ended the stream; RecvMsg carries its status
					break send
				}
				return "", err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", rerr
		}
	}
	if err := stream.CloseSend(); err != nil {
		return "", err
	}
	out := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}
