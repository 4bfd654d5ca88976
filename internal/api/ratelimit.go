package signerapi

import (
	"context"
	"math"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/aegis-sign/psbt-signer/pkg/apierrors"
)

// Limiter 是可选的令牌桶准入控制，nil 表示不限流。
type Limiter struct {
	limiter *rate.Limiter
	metrics *Metrics
}

// NewLimiter 构造限流器，limit<=0 时返回 nil；burst 缺省为每秒速率向上取整。
func NewLimiter(limit float64, burst int, metrics *Metrics) *Limiter {
	if limit <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(limit)))
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(limit), burst), metrics: metrics}
}

// Admit 在令牌不足时返回带 Retry-After 的 RETRY_LATER 错误。
func (l *Limiter) Admit(transport string) *apierrors.Error {
	if l == nil {
		return nil
	}
	r := l.limiter.Reserve()
	if !r.OK() {
		l.metrics.incThrottled(transport)
		return apierrors.New(apierrors.CodeRetryLater, "rate limit exceeded").WithRetryAfter(unavailableRetryAfter)
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		l.metrics.incThrottled(transport)
		return apierrors.New(apierrors.CodeRetryLater, "rate limit exceeded").WithRetryAfter(delay)
	}
	return nil
}

// Middleware 返回 echo 中间件，只作用于签名路由。
func (l *Limiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiErr := l.Admit(transportHTTP); apiErr != nil {
				return apiErr
			}
			return next(c)
		}
	}
}

// UnaryInterceptor 为 gRPC 一元调用做准入控制。
func (l *Limiter) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if apiErr := l.Admit(transportGRPC); apiErr != nil {
			return nil, grpcError(apiErr)
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor 在建立流时做准入控制。
func (l *Limiter) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if apiErr := l.Admit(transportGRPC); apiErr != nil {
			return grpcError(apiErr)
		}
		return handler(srv, ss)
	}
}
