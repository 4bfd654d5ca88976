package signerapi

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil/psbt"

	"github.com/aegis-sign/psbt-signer/internal/wallet/signer"
)

// PacketSigner 是 signer.Identity 暴露给接口层的能力。
type PacketSigner interface {
	Sign(packet *psbt.Packet, policy signer.Policy) (*signer.Result, error)
}

// IdentityBackend 使用进程内唯一的签名身份和固定策略处理请求。
type IdentityBackend struct {
	identity PacketSigner
	policy   signer.Policy
	metrics  *Metrics
}

// IdentityBackendOption 定义可选参数。
type IdentityBackendOption func(*IdentityBackend)

// WithBackendMetrics 记录签名与最终化的输入数量。
func WithBackendMetrics(m *Metrics) IdentityBackendOption {
	return func(b *IdentityBackend) { b.metrics = m }
}

// NewIdentityBackend 构造 Backend，policy 在进程生命周期内不变。
func NewIdentityBackend(identity PacketSigner, policy signer.Policy, opts ...IdentityBackendOption) (*IdentityBackend, error) {
	if identity == nil {
		return nil, errors.New("signing identity is required")
	}
	backend := &IdentityBackend{identity: identity, policy: policy}
	for _, opt := range opts {
		opt(backend)
	}
	return backend, nil
}

// SignPSBT 在请求未取消时签名。
func (b *IdentityBackend) SignPSBT(ctx context.Context, packet *psbt.Packet) (*signer.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, toAPIError(err)
	}
	res, err := b.identity.Sign(packet, b.policy)
	if err != nil {
		return nil, toAPIError(err)
	}
	b.metrics.addInputs(res)
	return res, nil
}
