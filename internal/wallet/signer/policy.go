package signer

import (
	"log/slog"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
)

// Policy 是运营方固定的签名策略，对所有请求一致生效，不接受调用方覆盖。
//
// TrustWitnessUTXO 为 true 时仅凭 witness_utxo 中的金额与脚本签名，不与完整
// 前序交易核对；调用方可借此虚报金额诱导多付手续费，是否开启由运营方决定。
// AllowAllSighashes 为 true 时接受任意 sighash 类型，否则只允许 ALL/DEFAULT。
// TryFinalize 为 true 时在签名后尝试最终化本身份签过的输入。
type Policy struct {
	TrustWitnessUTXO  bool `toml:"trust_witness_utxo" yaml:"trust_witness_utxo"`
	AllowAllSighashes bool `toml:"allow_all_sighashes" yaml:"allow_all_sighashes"`
	TryFinalize       bool `toml:"try_finalize" yaml:"try_finalize"`
}

// DefaultPolicy 返回线上服务一直使用的策略。
func DefaultPolicy() Policy {
	return Policy{
		TrustWitnessUTXO:  true,
		AllowAllSighashes: true,
		TryFinalize:       true,
	}
}

// LogValue 实现 slog.LogValuer。
func (p Policy) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("trust_witness_utxo", p.TrustWitnessUTXO),
		slog.Bool("allow_all_sighashes", p.AllowAllSighashes),
		slog.Bool("try_finalize", p.TryFinalize),
	)
}

// check 在签名任何输入之前对整个 PSBT 应用策略。
func (p Policy) check(packet *psbt.Packet) error {
	for i := range packet.Inputs {
		in := &packet.Inputs[i]
		if !p.AllowAllSighashes && !standardSighash(in.SighashType) {
			return inputError(i, ErrNonStandardSighash)
		}
		if p.TrustWitnessUTXO || isFinalized(in) || isTaprootInput(in) {
			continue
		}
		if in.NonWitnessUtxo == nil {
			return inputError(i, ErrMissingNonWitnessUtxo)
		}
	}
	return nil
}

func standardSighash(ht txscript.SigHashType) bool {
	return ht == txscript.SigHashDefault || ht == txscript.SigHashAll
}

// isTaprootInput 判断输入是否为 taproot 花费；taproot sighash 承诺所有输入金额，
// 因此不需要完整前序交易。
func isTaprootInput(in *psbt.PInput) bool {
	if len(in.TaprootInternalKey) > 0 || len(in.TaprootMerkleRoot) > 0 {
		return true
	}
	return in.WitnessUtxo != nil && txscript.IsPayToTaproot(in.WitnessUtxo.PkScript)
}

func isFinalized(in *psbt.PInput) bool {
	return len(in.FinalScriptSig) > 0 || len(in.FinalScriptWitness) > 0
}
