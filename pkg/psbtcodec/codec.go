package psbtcodec

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
)

// Encoding 描述请求中 PSBT 字符串的编码。
type Encoding string

const (
	EncodingBase64 Encoding = "base64"
	EncodingHex    Encoding = "hex"
)

var (
	// ErrEmpty 表示请求中没有 PSBT。
	ErrEmpty = errors.New("psbt is empty")
	// ErrMalformed 表示 PSBT 无法解码或解析。
	ErrMalformed = errors.New("malformed psbt")
)

// DecodeError 描述解码失败的原因，errors.Is(err, ErrMalformed) 为 true。
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string { return e.Reason + ": " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// Is 让所有解码错误都匹配 ErrMalformed。
func (e *DecodeError) Is(target error) bool { return target == ErrMalformed }

// NormalizeEncoding 将用户输入转换为内部常量，缺省为 base64。
func NormalizeEncoding(raw string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(EncodingBase64):
		return EncodingBase64, nil
	case string(EncodingHex):
		return EncodingHex, nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", raw)
	}
}

// Decode 将文本解码并解析为 PSBT。
func Decode(text string, enc Encoding) (*psbt.Packet, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmpty
	}
	var (
		raw []byte
		err error
	)
	switch enc {
	case EncodingBase64:
		raw, err = base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, &DecodeError{Reason: "invalid base64", Err: err}
		}
	case EncodingHex:
		raw, err = hex.DecodeString(text)
		if err != nil {
			return nil, &DecodeError{Reason: "invalid hex", Err: err}
		}
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
	return DecodeBinary(raw)
}

// DecodeBinary 解析 BIP-174 二进制序列化。
func DecodeBinary(raw []byte) (packet *psbt.Packet, err error) {
	if len(raw) == 0 {
		return nil, ErrEmpty
	}
	// 解析器面对任意输入，panic 一律视为格式错误。
	defer func() {
		if r := recover(); r != nil {
			packet, err = nil, &DecodeError{Reason: "invalid psbt", Err: fmt.Errorf("%v", r)}
		}
	}()
	packet, err = psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid psbt", Err: err}
	}
	return packet, nil
}

// Encode 按指定编码序列化 PSBT。
func Encode(packet *psbt.Packet, enc Encoding) (string, error) {
	raw, err := EncodeBinary(packet)
	if err != nil {
		return "", err
	}
	switch enc {
	case EncodingBase64:
		return base64.StdEncoding.EncodeToString(raw), nil
	case EncodingHex:
		return hex.EncodeToString(raw), nil
	default:
		return "", fmt.Errorf("unknown encoding %q", enc)
	}
}

// EncodeBinary 返回 BIP-174 二进制序列化。
func EncodeBinary(packet *psbt.Packet) ([]byte, error) {
	if packet == nil {
		return nil, ErrEmpty
	}
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize psbt: %w", err)
	}
	return buf.Bytes(), nil
}
