package api

import (
	"context"
	"fmt"
	"net"
	"sort"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/getdozer/dozer/pkg/log"
	"github.com/getdozer/dozer/pkg/metrics"
)

// commonServiceName is the gRPC service name of the common query service of
// §6: one service, shared by every endpoint, exposing getEndpoints and
// getFields. A typed per-endpoint service would ordinarily be code
// generated from a .proto descriptor; no such descriptor exists in this
// corpus, so only the common service is modeled, built on already-compiled
// protobuf well-known types (structpb/emptypb/wrapperspb) in place of
// generated request/response messages. See DESIGN.md.
const commonServiceName = "dozer.common.CommonService"

// commonServiceServer is the interface GRPCServer implements; it mirrors
// the shape protoc-gen-go-grpc emits for a generated service.
type commonServiceServer interface {
	GetEndpoints(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	GetFields(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

var commonServiceDesc = grpc.ServiceDesc{
	ServiceName: commonServiceName,
	HandlerType: (*commonServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetEndpoints", Handler: commonServiceGetEndpointsHandler},
		{MethodName: "GetFields", Handler: commonServiceGetFieldsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dozer/common.proto",
}

func commonServiceGetEndpointsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(commonServiceServer).GetEndpoints(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + commonServiceName + "/GetEndpoints"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(commonServiceServer).GetEndpoints(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func commonServiceGetFieldsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(commonServiceServer).GetFields(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + commonServiceName + "/GetFields"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(commonServiceServer).GetFields(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCServer hosts the common query service plus the standard
// grpc_health_v1 health service of §6.
type GRPCServer struct {
	reg    *Registry
	grpc   *grpc.Server
	health *health.Server
}

// NewGRPCServer wires reg into a fresh grpc.Server. opts are forwarded to
// grpc.NewServer — callers pass grpc.Creds(...) here for TLS, the same way
// the teacher's api.NewServer wraps credentials.NewTLS around its listener.
func NewGRPCServer(reg *Registry, opts ...grpc.ServerOption) *GRPCServer {
	s := &GRPCServer{reg: reg, grpc: grpc.NewServer(opts...), health: health.NewServer()}
	s.grpc.RegisterService(&commonServiceDesc, s)
	grpc_health_v1.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Listen starts serving on addr. It blocks until the listener stops.
func (s *GRPCServer) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: grpc listen on %s: %w", addr, err)
	}
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	log.WithComponent("api-grpc").Info().Str("addr", addr).Msg("gRPC query surface starting")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// GetEndpoints lists every endpoint name this process serves queries for.
func (s *GRPCServer) GetEndpoints(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	names := s.reg.Names()
	sort.Strings(names)
	vals := make([]interface{}, len(names))
	for i, n := range names {
		vals[i] = n
	}
	list, err := structpb.NewList(vals)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "api: encoding endpoint list: %v", err)
	}
	return list, nil
}

// GetFields describes the field name/type layout of one endpoint's schema.
func (s *GRPCServer) GetFields(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	b, ok := s.reg.Get(req.GetValue())
	if !ok {
		return nil, status.Errorf(codes.NotFound, "api: unknown endpoint %q", req.GetValue())
	}
	metrics.QueryRequestsTotal.WithLabelValues(req.GetValue(), "grpc", "ok").Inc()

	schema := b.Serving().Cache.Schema()
	fields := make([]interface{}, len(schema.Fields))
	for i, fd := range schema.Fields {
		fields[i] = map[string]interface{}{
			"name":     fd.Name,
			"type":     fd.Type.String(),
			"nullable": fd.Nullable,
		}
	}
	st, err := structpb.NewStruct(map[string]interface{}{
		"endpoint": req.GetValue(),
		"fields":   fields,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "api: encoding field list: %v", err)
	}
	return st, nil
}
