package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Provider 定义底层 KMS 的解密能力。
type Provider interface {
	Decrypt(ctx context.Context, req DecryptRequest) ([]byte, error)
}

// Config 控制 retry 行为。
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
	Logger         *slog.Logger
}

// DecryptRequest 携带待解封的密文。
type DecryptRequest struct {
	KeyID      string
	Ciphertext []byte
}

// Client 封装所有 KMS 调用逻辑。
type Client struct {
	provider Provider
	cfg      Config

	randMu sync.Mutex
	rnd    *rand.Rand
}

// NewClient 构造 Client。
func NewClient(provider Provider, cfg Config) (*Client, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	normalized := cfg
	if normalized.MaxAttempts <= 0 {
		normalized.MaxAttempts = 3
	}
	if normalized.InitialBackoff <= 0 {
		normalized.InitialBackoff = 50 * time.Millisecond
	}
	if normalized.MaxBackoff <= 0 {
		normalized.MaxBackoff = time.Second
	}
	if normalized.JitterFactor <= 0 {
		normalized.JitterFactor = 0.2
	}
	if normalized.Logger == nil {
		normalized.Logger = slog.Default()
	}
	return &Client{
		provider: provider,
		cfg:      normalized,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Decrypt 调用 provider，失败时按退避重试。
func (c *Client) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	return c.retry(ctx, func() ([]byte, error) {
		return c.provider.Decrypt(ctx, DecryptRequest{KeyID: keyID, Ciphertext: ciphertext})
	})
}

// UnsealSecret 解封 base64 编码的密文，返回去除首尾空白的明文。
func (c *Client) UnsealSecret(ctx context.Context, keyID, ciphertextB64 string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertextB64))
	if err != nil {
		return "", fmt.Errorf("decode kms ciphertext: %w", err)
	}
	plain, err := c.Decrypt(ctx, keyID, ciphertext)
	if err != nil {
		return "", fmt.Errorf("kms decrypt: %w", err)
	}
	secret := strings.TrimSpace(string(plain))
	for i := range plain {
		plain[i] = 0
	}
	if secret == "" {
		return "", errors.New("kms plaintext is empty")
	}
	return secret, nil
}

func (c *Client) retry(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		c.logWarn("kms call failed", attempt, err)
		if attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.backoffDuration(attempt)):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("kms retry exhausted")
	}
	return nil, lastErr
}

func (c *Client) backoffDuration(attempt int) time.Duration {
	delay := c.cfg.InitialBackoff * time.Duration(1<<(attempt-1))
	if delay > c.cfg.MaxBackoff {
		delay = c.cfg.MaxBackoff
	}
	jitter := time.Duration(float64(delay) * c.cfg.JitterFactor)
	if jitter <= 0 {
		return delay
	}
	c.randMu.Lock()
	delta := time.Duration(c.rnd.Int63n(int64(2*jitter)+1)) - jitter
	c.randMu.Unlock()
	delay += delta
	if delay < 0 {
		return 0
	}
	return delay
}

func (c *Client) logWarn(msg string, attempt int, err error) {
	if c.cfg.Logger == nil {
		return
	}
	c.cfg.Logger.Warn(msg, slog.Int("attempt", attempt), slog.Any("err", err))
}
