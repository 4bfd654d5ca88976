package mockkms

import (
	"context"
	"errors"

	kmspkg "github.com/aegis-sign/psbt-signer/internal/infra/kms"
)

// StaticProvider 返回固定明文，用于演练/单测。
type StaticProvider struct {
	plain []byte
}

// NewStaticProvider 构造固定 Provider。
func NewStaticProvider(plain []byte) *StaticProvider {
	cp := append([]byte(nil), plain...)
	return &StaticProvider{plain: cp}
}

// Decrypt 返回预置明文。
func (p *StaticProvider) Decrypt(context.Context, kmspkg.DecryptRequest) ([]byte, error) {
	if len(p.plain) == 0 {
		return nil, errors.New("mock key empty")
	}
	return append([]byte(nil), p.plain...), nil
}
