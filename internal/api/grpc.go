package signerapi

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/aegis-sign/psbt-signer/internal/infra/listener"
	"github.com/aegis-sign/psbt-signer/pkg/apierrors"
	"github.com/aegis-sign/psbt-signer/pkg/psbtcodec"
)

const (
	signerServiceName    = "psbtsigner.v1.Signer"
	signPsbtMethod       = "/" + signerServiceName + "/SignPsbt"
	signPsbtStreamMethod = "/" + signerServiceName + "/SignPsbtStream"

	metadataRequestID = "x-request-id"
)

// SignerServer 是 psbtsigner.v1.Signer 的服务端接口，载荷为 PSBT 二进制序列化。
type SignerServer interface {
	SignPsbt(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	SignPsbtStream(SignPsbtStreamServer) error
}

// SignPsbtStreamServer 是双向流的服务端视图。
type SignPsbtStreamServer interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ServerStream
}

type signPsbtStreamServer struct {
	grpc.ServerStream
}

func (s *signPsbtStreamServer) Send(m *wrapperspb.BytesValue) error { return s.ServerStream.SendMsg(m) }

func (s *signPsbtStreamServer) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func signPsbtHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SignerServer).SignPsbt(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: signPsbtMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SignerServer).SignPsbt(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func signPsbtStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SignerServer).SignPsbtStream(&signPsbtStreamServer{stream})
}

// SignerServiceDesc 描述 psbtsigner.v1.Signer，与 docs/api/proto/signer.proto 保持一致。
var SignerServiceDesc = grpc.ServiceDesc{
	ServiceName: signerServiceName,
	HandlerType: (*SignerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SignPsbt", Handler: signPsbtHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SignPsbtStream",
			Handler:       signPsbtStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "psbtsigner/v1/signer.proto",
}

// RegisterSignerServer 注册服务实现。
func RegisterSignerServer(s grpc.ServiceRegistrar, srv SignerServer) {
	s.RegisterService(&SignerServiceDesc, srv)
}

// GRPCServer 实现 psbtsigner.v1.Signer。
type GRPCServer struct {
	backend Backend
	handlerOptions
}

// NewGRPCServer 构造 gRPC server。
func NewGRPCServer(backend Backend, opts ...HandlerOption) *GRPCServer {
	if backend == nil {
		panic("signer backend is required")
	}
	return &GRPCServer{backend: backend, handlerOptions: buildOptions(opts)}
}

// SignPsbt 解析二进制 PSBT 并调用 backend。
func (s *GRPCServer) SignPsbt(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return s.sign(ctx, req)
}

// SignPsbtStream 逐条签名，任一请求失败即结束流。
func (s *GRPCServer) SignPsbtStream(stream SignPsbtStreamServer) error {
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		resp, signErr := s.sign(stream.Context(), req)
		if signErr != nil {
			return signErr
		}
		if err := stream.Send(resp); err != nil {
			return err
		}
	}
}

func (s *GRPCServer) sign(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	started := time.Now()
	if req == nil {
		return nil, s.fail(ctx, started, apierrors.New(apierrors.CodeMalformedInput, "request is required"))
	}
	packet, err := psbtcodec.DecodeBinary(req.GetValue())
	if err != nil {
		return nil, s.fail(ctx, started, toAPIError(err))
	}
	if _, err := s.backend.SignPSBT(ctx, packet); err != nil {
		return nil, s.fail(ctx, started, toAPIError(err))
	}
	raw, err := psbtcodec.EncodeBinary(packet)
	if err != nil {
		s.logger.Error("encode signed psbt failed", "error", err, "request_id", incomingRequestID(ctx))
		return nil, s.fail(ctx, started, apierrors.New(apierrors.CodeInternal, "internal error"))
	}
	s.metrics.observeRequest(transportGRPC, codeOK, started)
	return wrapperspb.Bytes(raw), nil
}

func (s *GRPCServer) fail(ctx context.Context, started time.Time, apiErr *apierrors.Error) error {
	s.metrics.observeRequest(transportGRPC, string(apiErr.Code), started)
	s.logger.Info("SignPsbt rejected",
		"code", apiErr.Code,
		"message", apiErr.Message,
		"request_id", incomingRequestID(ctx),
	)
	return grpcError(apiErr)
}

func grpcError(apiErr *apierrors.Error) error {
	st := status.New(apierrors.GRPCStatus(apiErr.Code), apiErr.Describe())
	return st.Err()
}

func incomingRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(metadataRequestID); len(ids) > 0 && ids[0] != "" {
			return ids[0]
		}
	}
	return uuid.NewString()
}

// NewGRPCServerWithHealth 构造注册了签名服务与标准健康检查的 grpc.Server。
func NewGRPCServerWithHealth(svc *GRPCServer, limiter *Limiter) (*grpc.Server, *health.Server) {
	var opts []grpc.ServerOption
	if limiter != nil {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(limiter.UnaryInterceptor()),
			grpc.ChainStreamInterceptor(limiter.StreamInterceptor()),
		)
	}
	srv := grpc.NewServer(opts...)
	RegisterSignerServer(srv, svc)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(signerServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// SignerClient 是 psbtsigner.v1.Signer 的客户端。
type SignerClient struct {
	cc grpc.ClientConnInterface
}

// NewSignerClient 包装已有连接。
func NewSignerClient(cc grpc.ClientConnInterface) *SignerClient {
	return &SignerClient{cc: cc}
}

// Dial 通过 tcp/unix/vsock 地址建立连接，地址格式同服务端监听。
func Dial(endpoint string) (*grpc.ClientConn, error) {
	return grpc.NewClient("passthrough:///"+endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(listener.Dial),
	)
}

// SignPsbt 发送二进制 PSBT，返回签名后的二进制 PSBT。
func (c *SignerClient) SignPsbt(ctx context.Context, raw []byte, opts ...grpc.CallOption) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, signPsbtMethod, wrapperspb.Bytes(raw), out, opts...); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// SignPsbtStream 打开双向流。
func (c *SignerClient) SignPsbtStream(ctx context.Context, opts ...grpc.CallOption) (*SignPsbtStreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &SignerServiceDesc.Streams[0], signPsbtStreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &SignPsbtStreamClient{ClientStream: stream}, nil
}

// SignPsbtStreamClient 是双向流的客户端视图。
type SignPsbtStreamClient struct {
	grpc.ClientStream
}

// Send 发送一条二进制 PSBT。
func (x *SignPsbtStreamClient) Send(raw []byte) error {
	return x.ClientStream.SendMsg(wrapperspb.Bytes(raw))
}

// Recv 接收一条签名结果。
func (x *SignPsbtStreamClient) Recv() ([]byte, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m.GetValue(), nil
}

// APIError 将 gRPC 状态还原为统一错误码，客户端据此决定是否重试。
func APIError(err error) *apierrors.Error {
	st, ok := status.FromError(err)
	if !ok {
		return apierrors.New(apierrors.CodeInternal, err.Error())
	}
	return apierrors.New(apierrors.CodeFromGRPC(st.Code()), st.Message())
}
