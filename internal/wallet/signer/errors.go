package signer

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrIdentityClosed 表示密钥材料已在关停时清零。
	ErrIdentityClosed = errors.New("signing identity is closed")
	// ErrNonStandardSighash 表示策略禁止的 sighash 类型。
	ErrNonStandardSighash = errors.New("non-standard sighash type")
	// ErrMissingNonWitnessUtxo 表示策略要求完整前序交易但输入未提供。
	ErrMissingNonWitnessUtxo = errors.New("missing non-witness utxo")
	// ErrInvalidNonWitnessUtxo 表示前序交易与所花费的 outpoint 不一致。
	ErrInvalidNonWitnessUtxo = errors.New("invalid non-witness utxo")
	// ErrMissingUtxo 表示签名所需的前序输出缺失。
	ErrMissingUtxo = errors.New("missing utxo")
	// ErrUnsupportedScript 表示归属本身份的输入脚本无法签名。
	ErrUnsupportedScript = errors.New("unsupported script")
	// ErrMalformedPacket 表示 PSBT 内部结构不一致。
	ErrMalformedPacket = errors.New("inconsistent psbt")
)

// SignError 携带失败输入的下标，Input 为 -1 表示与具体输入无关。
type SignError struct {
	Input int
	Err   error
}

func (e *SignError) Error() string {
	if e.Input < 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("input %d: %v", e.Input, e.Err)
}

func (e *SignError) Unwrap() error { return e.Err }

func inputError(idx int, err error) error {
	return &SignError{Input: idx, Err: err}
}
