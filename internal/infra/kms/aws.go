package kms

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// decryptAPI 是 AWS KMS 客户端中用到的子集，便于单测替换。
type decryptAPI interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// AWSProvider 通过 AWS KMS 解密。
type AWSProvider struct {
	api decryptAPI
}

// NewAWSProvider 按默认凭证链加载 AWS 配置，region 为空时沿用环境配置。
func NewAWSProvider(ctx context.Context, region string) (*AWSProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &AWSProvider{api: kms.NewFromConfig(cfg)}, nil
}

// Decrypt 实现 Provider。
func (p *AWSProvider) Decrypt(ctx context.Context, req DecryptRequest) ([]byte, error) {
	input := &kms.DecryptInput{CiphertextBlob: req.Ciphertext}
	if req.KeyID != "" {
		input.KeyId = aws.String(req.KeyID)
	}
	out, err := p.api.Decrypt(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(out.Plaintext) == 0 {
		return nil, errors.New("kms returned empty plaintext")
	}
	return out.Plaintext, nil
}

// NewAWSProviderWithAPI 使用已构造的 KMS 客户端。
func NewAWSProviderWithAPI(api decryptAPI) *AWSProvider {
	return &AWSProvider{api: api}
}
