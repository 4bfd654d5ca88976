package signerapi

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"

	"github.com/aegis-sign/psbt-signer/internal/wallet/signer"
	"github.com/aegis-sign/psbt-signer/pkg/apierrors"
	"github.com/aegis-sign/psbt-signer/pkg/psbtcodec"
)

// Backend 定义业务层接口，HTTP/gRPC handler 通过它与签名身份交互。
// SignPSBT 就地修改 packet，返回错误时 packet 必须丢弃。
type Backend interface {
	SignPSBT(ctx context.Context, packet *psbt.Packet) (*signer.Result, error)
}

// 关停或请求取消时建议客户端的重试间隔。
const unavailableRetryAfter = time.Second

// toAPIError 将任意错误归入统一错误码。
func toAPIError(err error) *apierrors.Error {
	if err == nil {
		return nil
	}
	if apiErr, ok := apierrors.FromError(err); ok {
		return apiErr
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apierrors.New(apierrors.CodeUnavailable, "request cancelled").WithRetryAfter(unavailableRetryAfter)
	case errors.Is(err, signer.ErrIdentityClosed):
		return apierrors.New(apierrors.CodeUnavailable, "signer is shutting down").WithRetryAfter(unavailableRetryAfter)
	case errors.Is(err, psbtcodec.ErrMalformed), errors.Is(err, psbtcodec.ErrEmpty):
		return apierrors.Malformed(err)
	}
	var signErr *signer.SignError
	if errors.As(err, &signErr) {
		return apierrors.Unsignable(err)
	}
	return apierrors.New(apierrors.CodeInternal, "internal error")
}
