package signer

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"

	"github.com/aegis-sign/psbt-signer/internal/wallet/descriptor"
)

// DefaultLookahead 是按描述符预先展开的地址索引数量。
const DefaultLookahead = 25

// Identity 持有进程唯一的签名密钥，构造后不可变，可被并发请求共享。
type Identity struct {
	net       *chaincfg.Params
	desc      *descriptor.Descriptor
	lookahead uint32
	scripts   map[string]ownedScript
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// ownedScript 记录本身份在 lookahead 范围内能花费的输出脚本。
type ownedScript struct {
	rel    []uint32
	redeem []byte
}

// Option 调整 Identity 构造参数。
type Option func(*Identity)

// WithLookahead 设置描述符展开的索引数量。
func WithLookahead(n uint32) Option {
	return func(id *Identity) {
		if n > 0 {
			id.lookahead = n
		}
	}
}

// WithLogger 设置签名过程的调试日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(id *Identity) {
		if logger != nil {
			id.logger = logger
		}
	}
}

// New 从扩展私钥或单密钥描述符构造签名身份，密钥必须属于 net。
func New(secret string, net *chaincfg.Params, opts ...Option) (*Identity, error) {
	desc, err := descriptor.Parse(secret, net)
	if err != nil {
		return nil, errors.Wrap(err, "parse signing key")
	}
	id := &Identity{
		net:       net,
		desc:      desc,
		lookahead: DefaultLookahead,
		scripts:   make(map[string]ownedScript),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(id)
	}
	if err := id.indexScripts(); err != nil {
		return nil, err
	}
	return id, nil
}

func (id *Identity) indexScripts() error {
	if id.desc.Type == descriptor.ScriptNone {
		return nil
	}
	count := uint32(1)
	if id.desc.HasWildcard() {
		count = id.lookahead
	}
	for i := uint32(0); i < count; i++ {
		rel := id.desc.ChildPath(i)
		out, err := id.output(rel)
		if err != nil {
			return errors.Wrapf(err, "index script %d", i)
		}
		id.scripts[string(out.PkScript)] = ownedScript{rel: rel, redeem: out.RedeemScript}
	}
	return nil
}

func (id *Identity) output(rel []uint32) (*descriptor.Output, error) {
	key, err := id.desc.Derive(rel)
	if err != nil {
		return nil, err
	}
	defer id.release(key)
	pub, err := key.ECPubKey()
	if err != nil {
		return nil, errors.Wrap(err, "derive public key")
	}
	return descriptor.OutputFor(id.desc.Type, pub, id.net)
}

// Fingerprint 返回主密钥指纹（PSBT 编码）。
func (id *Identity) Fingerprint() uint32 { return id.desc.Origin.Fingerprint }

// ScriptType 返回描述符的脚本类型，裸密钥为空。
func (id *Identity) ScriptType() descriptor.ScriptType { return id.desc.Type }

// PublicDescriptor 返回不含私钥的描述符文本。
func (id *Identity) PublicDescriptor() (string, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.closed {
		return "", ErrIdentityClosed
	}
	return id.desc.PublicString()
}

// Address 返回第 index 个接收地址，裸密钥没有地址模板。
func (id *Identity) Address(index uint32) (btcutil.Address, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.closed {
		return nil, ErrIdentityClosed
	}
	if id.desc.Type == descriptor.ScriptNone {
		return nil, errors.New("bare extended key has no address template")
	}
	out, err := id.output(id.desc.ChildPath(index))
	if err != nil {
		return nil, err
	}
	return out.Address, nil
}

// Close 清零私钥，之后的签名调用返回 ErrIdentityClosed。
func (id *Identity) Close() error {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.closed {
		return nil
	}
	id.closed = true
	id.desc.Key.Zero()
	return nil
}

func (id *Identity) String() string {
	return fmt.Sprintf("identity(%s, %s, %q)", id.net.Name, id.fingerprintHex(), id.desc.Type)
}

// LogValue 实现 slog.LogValuer，只暴露公开信息。
func (id *Identity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("network", id.net.Name),
		slog.String("fingerprint", id.fingerprintHex()),
		slog.String("script", string(id.desc.Type)),
	)
}

func (id *Identity) fingerprintHex() string {
	var fp [4]byte
	binary.LittleEndian.PutUint32(fp[:], id.desc.Origin.Fingerprint)
	return hex.EncodeToString(fp[:])
}
