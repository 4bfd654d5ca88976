package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/aegis-sign/psbt-signer/internal/wallet/chain"
	"github.com/aegis-sign/psbt-signer/internal/wallet/signer"
)

// Secret 保存密钥文本，格式化输出时一律脱敏。
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString 防止 %#v 泄露明文。
func (s Secret) GoString() string { return s.String() }

// LogValue 实现 slog.LogValuer。
func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

// Reveal 返回明文，仅用于构造签名身份。
func (s Secret) Reveal() string { return string(s) }

// Config 是进程启动配置。
type Config struct {
	Port      int           `toml:"port" yaml:"port"`
	Network   string        `toml:"network" yaml:"network"`
	XPrv      Secret        `toml:"xprv" yaml:"xprv"`
	Lookahead uint32        `toml:"lookahead" yaml:"lookahead"`
	LogLevel  string        `toml:"log_level" yaml:"log_level"`
	LogFormat string        `toml:"log_format" yaml:"log_format"`
	Policy    signer.Policy `toml:"policy" yaml:"policy"`
	HTTP      HTTPConfig    `toml:"http" yaml:"http"`
	GRPC      GRPCConfig    `toml:"grpc" yaml:"grpc"`
	KMS       KMSConfig     `toml:"kms" yaml:"kms"`
}

// HTTPConfig 控制 HTTP 接口。
type HTTPConfig struct {
	Listen             string   `toml:"listen" yaml:"listen"`
	CORSAllowedOrigins []string `toml:"cors_allowed_origins" yaml:"cors_allowed_origins"`
	MaxBodyBytes       int64    `toml:"max_body_bytes" yaml:"max_body_bytes"`
	RateLimit          float64  `toml:"rate_limit" yaml:"rate_limit"`
	RateBurst          int      `toml:"rate_burst" yaml:"rate_burst"`
	Metrics            bool     `toml:"metrics" yaml:"metrics"`
}

// GRPCConfig 控制 gRPC 接口，Listen 为空时不启动。
type GRPCConfig struct {
	Listen string `toml:"listen" yaml:"listen"`
}

// KMSConfig 描述以 KMS 密文形式下发的密钥。
type KMSConfig struct {
	Ciphertext  string `toml:"ciphertext" yaml:"ciphertext"`
	KeyID       string `toml:"key_id" yaml:"key_id"`
	Region      string `toml:"region" yaml:"region"`
	MaxAttempts int    `toml:"max_attempts" yaml:"max_attempts"`
}

// Enabled 表示是否需要在启动时解封密钥。
func (k KMSConfig) Enabled() bool { return strings.TrimSpace(k.Ciphertext) != "" }

// DefaultConfig 返回线上默认值。
func DefaultConfig() Config {
	return Config{
		Port:      8080,
		Network:   string(chain.NetworkTest),
		Lookahead: signer.DefaultLookahead,
		LogLevel:  "info",
		LogFormat: "text",
		Policy:    signer.DefaultPolicy(),
		HTTP: HTTPConfig{
			CORSAllowedOrigins: []string{"*"},
			MaxBodyBytes:       4 << 20,
			Metrics:            true,
		},
		KMS: KMSConfig{MaxAttempts: 3},
	}
}

// Load 从文件读取配置，按扩展名选择 TOML 或 YAML，未出现的字段保持默认值。
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.Decode(string(raw), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("parse toml config: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, key := range undecoded {
				keys[i] = key.String()
			}
			return cfg, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(raw))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format %q (want .toml, .yaml or .yml)", ext)
	}
	return cfg, nil
}

// Validate 在启动前检查配置，任何错误都应终止进程。
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Listen == "" && (c.Port <= 0 || c.Port > 65535) {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if _, err := chain.ParseNetwork(c.Network); err != nil {
		errs = append(errs, err)
	}
	switch {
	case c.XPrv == "" && !c.KMS.Enabled():
		errs = append(errs, errors.New("xprv or kms.ciphertext is required"))
	case c.XPrv != "" && c.KMS.Enabled():
		errs = append(errs, errors.New("xprv and kms.ciphertext are mutually exclusive"))
	}
	if c.Lookahead == 0 {
		errs = append(errs, errors.New("lookahead must be positive"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.LogFormat); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.LogFormat))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be positive"))
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.RateBurst < 0 {
		errs = append(errs, errors.New("http.rate_limit and http.rate_burst must not be negative"))
	}
	if c.KMS.MaxAttempts < 0 {
		errs = append(errs, errors.New("kms.max_attempts must not be negative"))
	}
	return errors.Join(errs...)
}

// HTTPAddr 返回 HTTP 监听地址，http.listen 优先于 port。
func (c *Config) HTTPAddr() string {
	if c.HTTP.Listen != "" {
		return c.HTTP.Listen
	}
	return fmt.Sprintf(":%d", c.Port)
}

// ChainNetwork 返回规范化的网络，调用前应先 Validate。
func (c *Config) ChainNetwork() chain.Network {
	n, _ := chain.ParseNetwork(c.Network)
	return n
}

// ParseLogLevel 解析日志级别。
func ParseLogLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", raw)
	}
	return level, nil
}

// LogValue 实现 slog.LogValuer，用于启动日志。
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("http", c.HTTPAddr()),
		slog.String("grpc", c.GRPC.Listen),
		slog.String("network", c.Network),
		slog.Bool("kms", c.KMS.Enabled()),
		slog.Any("xprv", c.XPrv),
		slog.Any("policy", c.Policy),
	)
}
