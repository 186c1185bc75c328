package plugin

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype observer calls are encoded with.
const codecName = "json"

const serviceName = "telepathy.plugin.Observer"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type empty struct{}

var observerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Observer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Info", Handler: infoHandler},
		{MethodName: "ObserveChannel", Handler: observeChannelHandler},
		{MethodName: "StatusChanged", Handler: statusChangedHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "telepathy/observer",
}

// RegisterObserverServer serves o on s.
func RegisterObserverServer(s grpc.ServiceRegistrar, o Observer) {
	s.RegisterService(&observerServiceDesc, o)
}

func unary(ctx context.Context, srv interface{}, method string, in interface{},
	interceptor grpc.UnaryServerInterceptor, call grpc.UnaryHandler) (interface{}, error) {
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
	return interceptor(ctx, in, info, call)
}

func infoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	return unary(ctx, srv, "Info", in, interceptor, func(ctx context.Context, _ interface{}) (interface{}, error) {
		md, err := srv.(Observer).Info(ctx)
		if err != nil {
			return nil, err
		}
		return &md, nil
	})
}

func observeChannelHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ChannelEvent)
	if err := dec(in); err != nil {
		return nil, err
	}
	return unary(ctx, srv, "ObserveChannel", in, interceptor, func(ctx context.Context, req interface{}) (interface{}, error) {
		if err := srv.(Observer).ObserveChannel(ctx, *req.(*ChannelEvent)); err != nil {
			return nil, err
		}
		return &empty{}, nil
	})
}

func statusChangedHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatusEvent)
	if err := dec(in); err != nil {
		return nil, err
	}
	return unary(ctx, srv, "StatusChanged", in, interceptor, func(ctx context.Context, req interface{}) (interface{}, error) {
		if err := srv.(Observer).StatusChanged(ctx, *req.(*StatusEvent)); err != nil {
			return nil, err
		}
		return &empty{}, nil
	})
}

// ObserverClient is an Observer backed by a gRPC connection.
type ObserverClient struct {
	conn grpc.ClientConnInterface
}

// NewObserverClient creates a client for the observer service on conn.
func NewObserverClient(conn grpc.ClientConnInterface) *ObserverClient {
	return &ObserverClient{conn: conn}
}

func (c *ObserverClient) invoke(ctx context.Context, method string, in, out interface{}) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
}

func (c *ObserverClient) Info(ctx context.Context) (Metadata, error) {
	var md Metadata
	err := c.invoke(ctx, "Info", &empty{}, &md)
	return md, err
}

func (c *ObserverClient) ObserveChannel(ctx context.Context, ev ChannelEvent) error {
	return c.invoke(ctx, "ObserveChannel", &ev, &empty{})
}

func (c *ObserverClient) StatusChanged(ctx context.Context, ev StatusEvent) error {
	return c.invoke(ctx, "StatusChanged", &ev, &empty{})
}
