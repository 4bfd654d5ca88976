package descriptor

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/pkg/errors"
)

// ScriptType 表示描述符包裹的输出脚本类型。
type ScriptType string

const (
	// ScriptNone 表示裸扩展私钥，仅依据 PSBT 中的派生信息识别归属。
	ScriptNone   ScriptType = ""
	ScriptPKH    ScriptType = "pkh"
	ScriptWPKH   ScriptType = "wpkh"
	ScriptShWPKH ScriptType = "sh(wpkh)"
	ScriptTR     ScriptType = "tr"
)

// Wildcard 描述派生路径末尾的通配符。
type Wildcard int

const (
	WildcardNone Wildcard = iota
	WildcardNormal
	WildcardHardened
)

var (
	ErrPublicKey          = errors.New("descriptor key is not private")
	ErrWrongNetwork       = errors.New("extended key does not belong to the selected network")
	ErrUnsupportedWrapper = errors.New("unsupported descriptor")
)

// KeyOrigin 记录密钥来源（主密钥指纹 + 来源路径）。
// Fingerprint 采用 PSBT 的编码方式（4 字节按小端读取）。
type KeyOrigin struct {
	Fingerprint uint32
	Path        []uint32
}

// Descriptor 是单密钥描述符的解析结果。
type Descriptor struct {
	Type     ScriptType
	Key      *hdkeychain.ExtendedKey
	Origin   KeyOrigin
	Steps    []uint32
	Wildcard Wildcard
}

// Output 是某个派生公钥对应的输出脚本。
type Output struct {
	PkScript     []byte
	RedeemScript []byte
	Address      btcutil.Address
}

var wrappers = []struct {
	prefix string
	suffix string
	typ    ScriptType
}{
	{"sh(wpkh(", "))", ScriptShWPKH},
	{"wpkh(", ")", ScriptWPKH},
	{"pkh(", ")", ScriptPKH},
	{"tr(", ")", ScriptTR},
}

// Parse 解析裸扩展私钥或单密钥描述符（可带 #checksum），并校验网络。
func Parse(raw string, net *chaincfg.Params) (*Descriptor, error) {
	if net == nil {
		return nil, errors.New("network params are required")
	}
	body, err := splitChecksum(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	typ, keyExpr, err := unwrap(body)
	if err != nil {
		return nil, err
	}
	desc, err := parseKeyExpr(keyExpr)
	if err != nil {
		return nil, err
	}
	desc.Type = typ
	if !desc.Key.IsPrivate() {
		return nil, ErrPublicKey
	}
	if !desc.Key.IsForNet(net) {
		return nil, ErrWrongNetwork
	}
	if typ == ScriptNone && desc.Wildcard != WildcardNone {
		return nil, errors.New("bare extended key cannot carry a wildcard")
	}
	return desc, nil
}

func unwrap(body string) (ScriptType, string, error) {
	for _, w := range wrappers {
		if strings.HasPrefix(body, w.prefix) && strings.HasSuffix(body, w.suffix) {
			inner := strings.TrimSuffix(strings.TrimPrefix(body, w.prefix), w.suffix)
			if strings.ContainsAny(inner, "(),{}") {
				return "", "", errors.Wrapf(ErrUnsupportedWrapper, "%s with nested expressions", w.typ)
			}
			return w.typ, inner, nil
		}
	}
	if strings.ContainsAny(body, "(){}") {
		return "", "", errors.Wrap(ErrUnsupportedWrapper, "only pkh, wpkh, sh(wpkh) and tr with a single key are supported")
	}
	return ScriptNone, body, nil
}

func parseKeyExpr(expr string) (*Descriptor, error) {
	desc := &Descriptor{}
	hasOrigin := false
	if strings.HasPrefix(expr, "[") {
		end := strings.Index(expr, "]")
		if end < 0 {
			return nil, errors.New("unterminated key origin")
		}
		origin, err := parseOrigin(expr[1:end])
		if err != nil {
			return nil, err
		}
		desc.Origin = origin
		hasOrigin = true
		expr = expr[end+1:]
	}

	parts := strings.Split(expr, "/")
	key, err := hdkeychain.NewKeyFromString(parts[0])
	if err != nil {
		return nil, errors.Wrap(err, "invalid extended key")
	}
	desc.Key = key

	steps := parts[1:]
	if n := len(steps); n > 0 {
		switch steps[n-1] {
		case "*":
			desc.Wildcard = WildcardNormal
			steps = steps[:n-1]
		case "*'", "*h", "*H":
			desc.Wildcard = WildcardHardened
			steps = steps[:n-1]
		}
	}
	desc.Steps, err = parsePath(steps)
	if err != nil {
		return nil, err
	}

	if !hasOrigin {
		pub, err := key.ECPubKey()
		if err != nil {
			return nil, errors.Wrap(err, "derive public key")
		}
		desc.Origin = KeyOrigin{Fingerprint: Fingerprint(pub)}
	}
	return desc, nil
}

func parseOrigin(raw string) (KeyOrigin, error) {
	parts := strings.Split(raw, "/")
	fp, err := hex.DecodeString(parts[0])
	if err != nil || len(fp) != 4 {
		return KeyOrigin{}, errors.Errorf("invalid key origin fingerprint %q", parts[0])
	}
	path, err := parsePath(parts[1:])
	if err != nil {
		return KeyOrigin{}, err
	}
	return KeyOrigin{Fingerprint: binary.LittleEndian.Uint32(fp), Path: path}, nil
}

func parsePath(elems []string) ([]uint32, error) {
	path := make([]uint32, 0, len(elems))
	for _, elem := range elems {
		hardened := false
		if trimmed := strings.TrimRight(elem, "'hH"); trimmed != elem {
			if len(elem)-len(trimmed) != 1 {
				return nil, errors.Errorf("invalid path element %q", elem)
			}
			hardened = true
			elem = trimmed
		}
		idx, err := strconv.ParseUint(elem, 10, 31)
		if err != nil {
			return nil, errors.Errorf("invalid path element %q", elem)
		}
		if hardened {
			idx += hdkeychain.HardenedKeyStart
		}
		path = append(path, uint32(idx))
	}
	return path, nil
}

// Fingerprint 返回公钥 hash160 前 4 字节，按 PSBT 规则小端读取。
func Fingerprint(pub *btcec.PublicKey) uint32 {
	return binary.LittleEndian.Uint32(btcutil.Hash160(pub.SerializeCompressed())[:4])
}

// HasWildcard 表示描述符是否需要按索引展开。
func (d *Descriptor) HasWildcard() bool { return d.Wildcard != WildcardNone }

// ChildPath 返回第 index 个派生子密钥相对 Key 的路径。
func (d *Descriptor) ChildPath(index uint32) []uint32 {
	path := append([]uint32(nil), d.Steps...)
	switch d.Wildcard {
	case WildcardNormal:
		path = append(path, index)
	case WildcardHardened:
		path = append(path, index+hdkeychain.HardenedKeyStart)
	}
	return path
}

// FullPath 把相对 Key 的路径补全为从主密钥出发的路径，用于写入 PSBT。
func (d *Descriptor) FullPath(rel []uint32) []uint32 {
	full := make([]uint32, 0, len(d.Origin.Path)+len(rel))
	full = append(full, d.Origin.Path...)
	return append(full, rel...)
}

// RelativePath 判断 PSBT 中的派生信息是否出自本密钥，是则返回相对 Key 的路径。
func (d *Descriptor) RelativePath(fingerprint uint32, path []uint32) ([]uint32, bool) {
	if fingerprint != d.Origin.Fingerprint || len(path) < len(d.Origin.Path) {
		return nil, false
	}
	for i, p := range d.Origin.Path {
		if path[i] != p {
			return nil, false
		}
	}
	return path[len(d.Origin.Path):], true
}

// Derive 沿相对路径派生扩展密钥。
func (d *Descriptor) Derive(rel []uint32) (*hdkeychain.ExtendedKey, error) {
	key := d.Key
	for _, idx := range rel {
		child, err := key.Derive(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "derive child %d", idx)
		}
		key = child
	}
	return key, nil
}

// OutputFor 根据脚本类型为给定公钥构造输出脚本。
func OutputFor(typ ScriptType, pub *btcec.PublicKey, net *chaincfg.Params) (*Output, error) {
	var (
		addr   btcutil.Address
		redeem []byte
		err    error
	)
	keyHash := btcutil.Hash160(pub.SerializeCompressed())
	switch typ {
	case ScriptPKH:
		addr, err = btcutil.NewAddressPubKeyHash(keyHash, net)
	case ScriptWPKH:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(keyHash, net)
	case ScriptShWPKH:
		var inner btcutil.Address
		inner, err = btcutil.NewAddressWitnessPubKeyHash(keyHash, net)
		if err != nil {
			break
		}
		redeem, err = txscript.PayToAddrScript(inner)
		if err != nil {
			break
		}
		addr, err = btcutil.NewAddressScriptHash(redeem, net)
	case ScriptTR:
		outputKey := txscript.ComputeTaprootKeyNoScript(pub)
		addr, err = btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), net)
	default:
		return nil, errors.Errorf("script type %q has no output template", typ)
	}
	if err != nil {
		return nil, errors.Wrap(err, "build address")
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, errors.Wrap(err, "build output script")
	}
	return &Output{PkScript: pkScript, RedeemScript: redeem, Address: addr}, nil
}

// PublicString 返回去除私钥后的描述符文本（带校验和），可安全写入日志。
func (d *Descriptor) PublicString() (string, error) {
	pub, err := d.Key.Neuter()
	if err != nil {
		return "", errors.Wrap(err, "neuter key")
	}
	var sb strings.Builder
	if len(d.Origin.Path) > 0 {
		var fp [4]byte
		binary.LittleEndian.PutUint32(fp[:], d.Origin.Fingerprint)
		sb.WriteString("[" + hex.EncodeToString(fp[:]) + formatPath(d.Origin.Path) + "]")
	}
	sb.WriteString(pub.String())
	sb.WriteString(formatPath(d.Steps))
	switch d.Wildcard {
	case WildcardNormal:
		sb.WriteString("/*")
	case WildcardHardened:
		sb.WriteString("/*'")
	}
	body := sb.String()
	switch d.Type {
	case ScriptNone:
		return body, nil
	case ScriptShWPKH:
		body = "sh(wpkh(" + body + "))"
	default:
		body = fmt.Sprintf("%s(%s)", d.Type, body)
	}
	sum, err := Checksum(body)
	if err != nil {
		return "", err
	}
	return body + "#" + sum, nil
}

func formatPath(path []uint32) string {
	var sb strings.Builder
	for _, p := range path {
		if p >= hdkeychain.HardenedKeyStart {
			fmt.Fprintf(&sb, "/%d'", p-hdkeychain.HardenedKeyStart)
		} else {
			fmt.Fprintf(&sb, "/%d", p)
		}
	}
	return sb.String()
}
