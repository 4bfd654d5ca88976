package signer

import (
	"bytes"
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/aegis-sign/psbt-signer/internal/wallet/descriptor"
)

// Result 汇总一次签名中被本身份处理过的输入。
type Result struct {
	SignedInputs    []int
	FinalizedInputs []int
}

// outcome 描述单个密钥在某个输入上的处理结果。
type outcome int

const (
	notOurs outcome = iota
	alreadySigned
	newlySigned
)

// signingKey 是某个输入上匹配到的本身份子密钥。
type signingKey struct {
	priv *btcec.PrivateKey
	pub  *btcec.PublicKey
	tap  *psbt.TaprootBip32Derivation
}

// Sign 就地为 packet 中本身份拥有的输入添加签名。返回错误时调用方必须丢弃 packet。
func (id *Identity) Sign(packet *psbt.Packet, policy Policy) (*Result, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if id.closed {
		return nil, inputError(-1, ErrIdentityClosed)
	}
	if packet == nil || packet.UnsignedTx == nil {
		return nil, inputError(-1, errors.Wrap(ErrMalformedPacket, "missing unsigned transaction"))
	}
	if len(packet.Inputs) != len(packet.UnsignedTx.TxIn) {
		return nil, inputError(-1, errors.Wrap(ErrMalformedPacket, "input count does not match unsigned transaction"))
	}
	if err := policy.check(packet); err != nil {
		return nil, err
	}

	prevOuts, complete := collectPrevOuts(packet, policy)
	state := &signState{
		packet:    packet,
		policy:    policy,
		sigHashes: txscript.NewTxSigHashes(packet.UnsignedTx, prevOuts),
		complete:  complete,
	}

	result := &Result{}
	var owned []int
	for i := range packet.Inputs {
		if isFinalized(&packet.Inputs[i]) {
			continue
		}
		signed, ours, err := id.signInput(state, i)
		if err != nil {
			return nil, inputError(i, err)
		}
		if signed {
			result.SignedInputs = append(result.SignedInputs, i)
		}
		if ours {
			owned = append(owned, i)
		}
	}

	if policy.TryFinalize {
		for _, i := range owned {
			ok, err := psbt.MaybeFinalize(packet, i)
			if err != nil {
				id.logger.Debug("input not finalizable", "input", i, "reason", err.Error())
				continue
			}
			if ok {
				result.FinalizedInputs = append(result.FinalizedInputs, i)
			}
		}
	}
	return result, nil
}

type signState struct {
	packet    *psbt.Packet
	policy    Policy
	sigHashes *txscript.TxSigHashes
	// complete 表示所有输入的前序输出都已知，taproot 签名依赖这一点。
	complete []bool
}

// collectPrevOuts 为 sighash 计算准备前序输出，缺失的输出以空输出占位。
func collectPrevOuts(packet *psbt.Packet, policy Policy) (*txscript.MultiPrevOutFetcher, []bool) {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	known := make([]bool, len(packet.Inputs))
	for i, txIn := range packet.UnsignedTx.TxIn {
		out, err := spentOutput(packet, i, policy)
		if err != nil {
			fetcher.AddPrevOut(txIn.PreviousOutPoint, &wire.TxOut{})
			continue
		}
		fetcher.AddPrevOut(txIn.PreviousOutPoint, out)
		known[i] = true
	}
	return fetcher, known
}

// spentOutput 返回输入所花费的前序输出。
func spentOutput(packet *psbt.Packet, idx int, policy Policy) (*wire.TxOut, error) {
	in := &packet.Inputs[idx]
	if policy.TrustWitnessUTXO && in.WitnessUtxo != nil {
		return in.WitnessUtxo, nil
	}
	if prev := in.NonWitnessUtxo; prev != nil {
		outpoint := packet.UnsignedTx.TxIn[idx].PreviousOutPoint
		if prev.TxHash() != outpoint.Hash {
			return nil, errors.Wrap(ErrInvalidNonWitnessUtxo, "txid does not match spent outpoint")
		}
		if int(outpoint.Index) >= len(prev.TxOut) {
			return nil, errors.Wrap(ErrInvalidNonWitnessUtxo, "spent output index out of range")
		}
		out := prev.TxOut[outpoint.Index]
		if w := in.WitnessUtxo; w != nil && (w.Value != out.Value || !bytes.Equal(w.PkScript, out.PkScript)) {
			return nil, errors.Wrap(ErrInvalidNonWitnessUtxo, "witness utxo disagrees with previous transaction")
		}
		return out, nil
	}
	if in.WitnessUtxo != nil {
		return in.WitnessUtxo, nil
	}
	return nil, ErrMissingUtxo
}

// claimedScript 返回输入声称花费的脚本，仅用于判断归属，不做一致性校验。
func claimedScript(packet *psbt.Packet, idx int) []byte {
	in := &packet.Inputs[idx]
	if in.WitnessUtxo != nil {
		return in.WitnessUtxo.PkScript
	}
	if prev := in.NonWitnessUtxo; prev != nil {
		index := packet.UnsignedTx.TxIn[idx].PreviousOutPoint.Index
		if int(index) < len(prev.TxOut) {
			return prev.TxOut[index].PkScript
		}
	}
	return nil
}

// signInput 返回 (本次是否新增签名, 输入是否带有本身份签名, 错误)。
func (id *Identity) signInput(s *signState, idx int) (bool, bool, error) {
	in := &s.packet.Inputs[idx]

	keys, err := id.keysFromDerivations(in)
	defer func() {
		for _, k := range keys {
			k.priv.Zero()
		}
	}()
	if err != nil {
		return false, false, err
	}

	if len(keys) == 0 {
		pkScript := claimedScript(s.packet, idx)
		if pkScript == nil {
			// 无法判断归属的输入按未拥有处理，原样保留。
			id.logger.Debug("skipping input without utxo", "input", idx)
			return false, false, nil
		}
		key, err := id.keyFromScript(in, pkScript)
		if err != nil {
			return false, false, err
		}
		if key == nil {
			return false, false, nil
		}
		keys = append(keys, key)
	}

	utxo, err := spentOutput(s.packet, idx, s.policy)
	if err != nil {
		return false, false, err
	}

	signed, ours := false, false
	for _, key := range keys {
		var res outcome
		if key.tap != nil {
			res, err = s.signTaproot(idx, utxo, key)
		} else {
			res, err = s.signECDSA(idx, utxo, key)
		}
		if err != nil {
			return false, false, err
		}
		signed = signed || res == newlySigned
		ours = ours || res != notOurs
	}
	return signed, ours, nil
}

// keysFromDerivations 依据输入中的 BIP32 派生信息找出属于本身份的密钥。
func (id *Identity) keysFromDerivations(in *psbt.PInput) ([]*signingKey, error) {
	var keys []*signingKey
	for _, d := range in.Bip32Derivation {
		key, err := id.deriveFor(d.MasterKeyFingerprint, d.Bip32Path)
		if err != nil {
			return keys, err
		}
		if key == nil {
			continue
		}
		if !bytes.Equal(key.pub.SerializeCompressed(), d.PubKey) {
			key.priv.Zero()
			continue
		}
		keys = append(keys, key)
	}
	for _, d := range in.TaprootBip32Derivation {
		key, err := id.deriveFor(d.MasterKeyFingerprint, d.Bip32Path)
		if err != nil {
			return keys, err
		}
		if key == nil {
			continue
		}
		if !bytes.Equal(schnorr.SerializePubKey(key.pub), d.XOnlyPubKey) {
			key.priv.Zero()
			continue
		}
		key.tap = d
		keys = append(keys, key)
	}
	return keys, nil
}

func (id *Identity) deriveFor(fingerprint uint32, path []uint32) (*signingKey, error) {
	rel, ok := id.desc.RelativePath(fingerprint, path)
	if !ok {
		return nil, nil
	}
	return id.signingKey(rel)
}

func (id *Identity) signingKey(rel []uint32) (*signingKey, error) {
	ext, err := id.desc.Derive(rel)
	if err != nil {
		return nil, err
	}
	defer id.release(ext)
	priv, err := ext.ECPrivKey()
	if err != nil {
		return nil, errors.Wrap(err, "derive private key")
	}
	return &signingKey{priv: priv, pub: priv.PubKey()}, nil
}

// keyFromScript 通过预展开的脚本索引识别输入，并补全 PSBT 中的派生信息。
func (id *Identity) keyFromScript(in *psbt.PInput, pkScript []byte) (*signingKey, error) {
	owned, ok := id.scripts[string(pkScript)]
	if !ok {
		return nil, nil
	}
	key, err := id.signingKey(owned.rel)
	if err != nil {
		return nil, err
	}
	path := id.desc.FullPath(owned.rel)
	fingerprint := id.desc.Origin.Fingerprint

	if id.desc.Type == descriptor.ScriptTR {
		xOnly := schnorr.SerializePubKey(key.pub)
		key.tap = &psbt.TaprootBip32Derivation{
			XOnlyPubKey:          xOnly,
			MasterKeyFingerprint: fingerprint,
			Bip32Path:            path,
		}
		in.TaprootBip32Derivation = append(in.TaprootBip32Derivation, key.tap)
		if len(in.TaprootInternalKey) == 0 {
			in.TaprootInternalKey = xOnly
		}
		return key, nil
	}

	in.Bip32Derivation = append(in.Bip32Derivation, &psbt.Bip32Derivation{
		PubKey:               key.pub.SerializeCompressed(),
		MasterKeyFingerprint: fingerprint,
		Bip32Path:            path,
	})
	if len(owned.redeem) > 0 && len(in.RedeemScript) == 0 {
		in.RedeemScript = owned.redeem
	}
	return key, nil
}

func (s *signState) signECDSA(idx int, utxo *wire.TxOut, key *signingKey) (outcome, error) {
	in := &s.packet.Inputs[idx]
	pub := key.pub.SerializeCompressed()
	for _, sig := range in.PartialSigs {
		if bytes.Equal(sig.PubKey, pub) {
			return alreadySigned, nil
		}
	}

	hashType := in.SighashType
	if hashType == txscript.SigHashDefault {
		hashType = txscript.SigHashAll
	}
	tx := s.packet.UnsignedTx
	pkScript := utxo.PkScript

	var (
		sig     []byte
		err     error
		witness bool
	)
	switch {
	case txscript.IsPayToWitnessPubKeyHash(pkScript):
		if !bytes.Equal(pkScript[2:], btcutil.Hash160(pub)) {
			return notOurs, nil
		}
		witness = true
		sig, err = txscript.RawTxInWitnessSignature(tx, s.sigHashes, idx, utxo.Value, pkScript, hashType, key.priv)

	case txscript.IsPayToWitnessScriptHash(pkScript):
		script, serr := witnessScript(in, pkScript[2:], pub)
		if serr != nil {
			return notOurs, serr
		}
		witness = true
		sig, err = txscript.RawTxInWitnessSignature(tx, s.sigHashes, idx, utxo.Value, script, hashType, key.priv)

	case txscript.IsPayToScriptHash(pkScript):
		redeem := in.RedeemScript
		if len(redeem) == 0 {
			return notOurs, errors.Wrap(ErrUnsupportedScript, "p2sh input without redeem script")
		}
		if !bytes.Equal(pkScript[2:22], btcutil.Hash160(redeem)) {
			return notOurs, errors.Wrap(ErrUnsupportedScript, "redeem script does not match output")
		}
		switch {
		case txscript.IsPayToWitnessPubKeyHash(redeem):
			if !bytes.Equal(redeem[2:], btcutil.Hash160(pub)) {
				return notOurs, nil
			}
			witness = true
			sig, err = txscript.RawTxInWitnessSignature(tx, s.sigHashes, idx, utxo.Value, redeem, hashType, key.priv)
		case txscript.IsPayToWitnessScriptHash(redeem):
			script, serr := witnessScript(in, redeem[2:], pub)
			if serr != nil {
				return notOurs, serr
			}
			witness = true
			sig, err = txscript.RawTxInWitnessSignature(tx, s.sigHashes, idx, utxo.Value, script, hashType, key.priv)
		default:
			if !bytes.Contains(redeem, pub) {
				return notOurs, errors.Wrap(ErrUnsupportedScript, "redeem script does not reference signing key")
			}
			sig, err = txscript.RawTxInSignature(tx, idx, redeem, hashType, key.priv)
		}

	case txscript.IsPayToPubKeyHash(pkScript):
		if !bytes.Equal(pkScript[3:23], btcutil.Hash160(pub)) {
			return notOurs, nil
		}
		sig, err = txscript.RawTxInSignature(tx, idx, pkScript, hashType, key.priv)

	default:
		return notOurs, errors.Wrapf(ErrUnsupportedScript, "cannot sign %s output", txscript.GetScriptClass(pkScript))
	}
	if err != nil {
		return notOurs, errors.Wrap(err, "ecdsa sign")
	}

	// 隔离见证输入的最终化需要 witness_utxo。
	if witness && in.WitnessUtxo == nil {
		in.WitnessUtxo = utxo
	}
	in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{PubKey: pub, Signature: sig})
	return newlySigned, nil
}

func witnessScript(in *psbt.PInput, program []byte, pub []byte) ([]byte, error) {
	script := in.WitnessScript
	if len(script) == 0 {
		return nil, errors.Wrap(ErrUnsupportedScript, "p2wsh input without witness script")
	}
	hash := sha256.Sum256(script)
	if !bytes.Equal(hash[:], program) {
		return nil, errors.Wrap(ErrUnsupportedScript, "witness script does not match output")
	}
	if !bytes.Contains(script, pub) {
		return nil, errors.Wrap(ErrUnsupportedScript, "witness script does not reference signing key")
	}
	return script, nil
}

func (s *signState) signTaproot(idx int, utxo *wire.TxOut, key *signingKey) (outcome, error) {
	in := &s.packet.Inputs[idx]
	if !txscript.IsPayToTaproot(utxo.PkScript) {
		return notOurs, errors.Wrap(ErrUnsupportedScript, "taproot derivation on a non-taproot output")
	}
	hashType := in.SighashType
	if hashType&txscript.SigHashAnyOneCanPay == 0 {
		for i, ok := range s.complete {
			if !ok {
				return notOurs, errors.Wrapf(ErrMissingUtxo, "taproot signing requires the spent output of input %d", i)
			}
		}
	}
	if len(key.tap.LeafHashes) == 0 {
		return s.signTaprootKeySpend(idx, utxo, key, hashType)
	}
	return s.signTaprootScriptSpend(idx, utxo, key, hashType)
}

func (s *signState) signTaprootKeySpend(idx int, utxo *wire.TxOut, key *signingKey, hashType txscript.SigHashType) (outcome, error) {
	in := &s.packet.Inputs[idx]
	xOnly := schnorr.SerializePubKey(key.pub)
	if len(in.TaprootInternalKey) > 0 && !bytes.Equal(in.TaprootInternalKey, xOnly) {
		return notOurs, nil
	}
	outputKey := txscript.ComputeTaprootOutputKey(key.pub, in.TaprootMerkleRoot)
	if !bytes.Equal(schnorr.SerializePubKey(outputKey), utxo.PkScript[2:]) {
		return notOurs, nil
	}
	if len(in.TaprootKeySpendSig) > 0 {
		return alreadySigned, nil
	}
	sig, err := txscript.RawTxInTaprootSignature(
		s.packet.UnsignedTx, s.sigHashes, idx, utxo.Value, utxo.PkScript,
		in.TaprootMerkleRoot, hashType, key.priv,
	)
	if err != nil {
		return notOurs, errors.Wrap(err, "taproot key spend sign")
	}
	if in.WitnessUtxo == nil {
		in.WitnessUtxo = utxo
	}
	in.TaprootKeySpendSig = sig
	return newlySigned, nil
}

func (s *signState) signTaprootScriptSpend(idx int, utxo *wire.TxOut, key *signingKey, hashType txscript.SigHashType) (outcome, error) {
	in := &s.packet.Inputs[idx]
	xOnly := schnorr.SerializePubKey(key.pub)
	res := notOurs
	for _, leafHash := range key.tap.LeafHashes {
		if hasScriptSpendSig(in, xOnly, leafHash) {
			if res == notOurs {
				res = alreadySigned
			}
			continue
		}
		leaf, err := findLeaf(in, leafHash)
		if err != nil {
			return notOurs, err
		}
		sig, err := txscript.RawTxInTapscriptSignature(
			s.packet.UnsignedTx, s.sigHashes, idx, utxo.Value, utxo.PkScript,
			leaf, hashType, key.priv,
		)
		if err != nil {
			return notOurs, errors.Wrap(err, "tapscript sign")
		}
		in.TaprootScriptSpendSig = append(in.TaprootScriptSpendSig, &psbt.TaprootScriptSpendSig{
			XOnlyPubKey: xOnly,
			LeafHash:    leafHash,
			Signature:   sig[:schnorr.SignatureSize],
			SigHash:     hashType,
		})
		res = newlySigned
	}
	if res == newlySigned && in.WitnessUtxo == nil {
		in.WitnessUtxo = utxo
	}
	return res, nil
}

func hasScriptSpendSig(in *psbt.PInput, xOnly, leafHash []byte) bool {
	for _, sig := range in.TaprootScriptSpendSig {
		if bytes.Equal(sig.XOnlyPubKey, xOnly) && bytes.Equal(sig.LeafHash, leafHash) {
			return true
		}
	}
	return false
}

func findLeaf(in *psbt.PInput, leafHash []byte) (txscript.TapLeaf, error) {
	for _, ls := range in.TaprootLeafScript {
		leaf := txscript.NewTapLeaf(ls.LeafVersion, ls.Script)
		hash := leaf.TapHash()
		if bytes.Equal(hash[:], leafHash) {
			return leaf, nil
		}
	}
	return txscript.TapLeaf{}, errors.Wrap(ErrUnsupportedScript, "taproot leaf script not found for derivation")
}

// release 清零派生出的中间密钥，根密钥只在 Close 时清零。
func (id *Identity) release(key *hdkeychain.ExtendedKey) {
	if key != nil && key != id.desc.Key {
		key.Zero()
	}
}
