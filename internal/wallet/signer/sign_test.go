package signer

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sign/psbt-signer/internal/wallet/descriptor"
)

var (
	testNet    = &chaincfg.TestNet3Params
	sinkScript = append([]byte{txscript.OP_0, 0x14}, make([]byte, 20)...)
)

func testMaster(t *testing.T, seed byte) *hdkeychain.ExtendedKey {
	t.Helper()
	master, err := hdkeychain.NewMaster(bytes.Repeat([]byte{seed}, hdkeychain.RecommendedSeedLen), testNet)
	require.NoError(t, err)
	return master
}

func testIdentity(t *testing.T, seed byte, template string) *Identity {
	t.Helper()
	secret := testMaster(t, seed).String()
	if template != "" {
		secret = fmt.Sprintf(template, secret)
	}
	id, err := New(secret, testNet)
	require.NoError(t, err)
	t.Cleanup(func() { _ = id.Close() })
	return id
}

func addressScript(t *testing.T, id *Identity, index uint32) []byte {
	t.Helper()
	addr, err := id.Address(index)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return script
}

func fundingTx(scripts ...[]byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 7}})
	for _, script := range scripts {
		tx.AddTxOut(wire.NewTxOut(100_000, script))
	}
	return tx
}

// spendAll 构造花费 prev 全部输出的 PSBT，只填写 witness_utxo。
func spendAll(t *testing.T, prev *wire.MsgTx) *psbt.Packet {
	t.Helper()
	tx := wire.NewMsgTx(2)
	hash := prev.TxHash()
	var total int64
	for i, out := range prev.TxOut {
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&hash, uint32(i)), nil, nil))
		total += out.Value
	}
	tx.AddTxOut(wire.NewTxOut(total-1_000, sinkScript))
	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)
	for i, out := range prev.TxOut {
		packet.Inputs[i].WitnessUtxo = out
	}
	return packet
}

func encode(t *testing.T, packet *psbt.Packet) string {
	t.Helper()
	out, err := packet.B64Encode()
	require.NoError(t, err)
	return out
}

// verifyExtracted 用脚本引擎验证最终交易的每个输入。
func verifyExtracted(t *testing.T, packet *psbt.Packet, prev *wire.MsgTx) {
	t.Helper()
	tx, err := psbt.Extract(packet)
	require.NoError(t, err)

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range tx.TxIn {
		fetcher.AddPrevOut(in.PreviousOutPoint, prev.TxOut[in.PreviousOutPoint.Index])
	}
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		out := prev.TxOut[in.PreviousOutPoint.Index]
		vm, err := txscript.NewEngine(out.PkScript, tx, i, txscript.StandardVerifyFlags, nil, hashes, out.Value, fetcher)
		require.NoError(t, err)
		require.NoError(t, vm.Execute(), "input %d", i)
	}
}

func TestSignWPKHDescriptor(t *testing.T) {
	id := testIdentity(t, 0x01, "wpkh(%s/84'/1'/0'/0/*)")
	prev := fundingTx(addressScript(t, id, 0), addressScript(t, id, 3))
	packet := spendAll(t, prev)

	res, err := id.Sign(packet, DefaultPolicy())
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, res.SignedInputs)
	require.Equal(t, []int{0, 1}, res.FinalizedInputs)
	verifyExtracted(t, packet, prev)
}

func TestSignAddsDerivationWithoutFinalizing(t *testing.T) {
	id := testIdentity(t, 0x01, "wpkh(%s/84'/1'/0'/0/*)")
	prev := fundingTx(addressScript(t, id, 2))
	packet := spendAll(t, prev)

	policy := DefaultPolicy()
	policy.TryFinalize = false
	res, err := id.Sign(packet, policy)
	require.NoError(t, err)
	require.Equal(t, []int{0}, res.SignedInputs)
	require.Empty(t, res.FinalizedInputs)

	in := packet.Inputs[0]
	require.Len(t, in.PartialSigs, 1)
	require.Len(t, in.Bip32Derivation, 1)
	h := uint32(hdkeychain.HardenedKeyStart)
	require.Equal(t, []uint32{84 + h, 1 + h, 0 + h, 0, 2}, in.Bip32Derivation[0].Bip32Path)
	require.Equal(t, id.Fingerprint(), in.Bip32Derivation[0].MasterKeyFingerprint)
	require.Equal(t, in.Bip32Derivation[0].PubKey, in.PartialSigs[0].PubKey)
}

func TestSignTaprootKeySpend(t *testing.T) {
	id := testIdentity(t, 0x02, "tr(%s/86'/1'/0'/0/*)")
	prev := fundingTx(addressScript(t, id, 0), addressScript(t, id, 1))
	packet := spendAll(t, prev)

	res, err := id.Sign(packet, DefaultPolicy())
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, res.SignedInputs)
	require.Equal(t, []int{0, 1}, res.FinalizedInputs)
	verifyExtracted(t, packet, prev)
}

func TestSignLegacyWithNonWitnessUtxo(t *testing.T) {
	id := testIdentity(t, 0x03, "pkh(%s/44'/1'/0'/0/*)")
	prev := fundingTx(addressScript(t, id, 0))
	packet := spendAll(t, prev)
	packet.Inputs[0].WitnessUtxo = nil
	packet.Inputs[0].NonWitnessUtxo = prev

	policy := DefaultPolicy()
	policy.TrustWitnessUTXO = false
	res, err := id.Sign(packet, policy)
	require.NoError(t, err)
	require.Equal(t, []int{0}, res.FinalizedInputs)
	require.NotEmpty(t, packet.Inputs[0].FinalScriptSig)
	verifyExtracted(t, packet, prev)
}

func TestSignNestedSegwit(t *testing.T) {
	id := testIdentity(t, 0x04, "sh(wpkh(%s/49'/1'/0'/0/*))")
	prev := fundingTx(addressScript(t, id, 5))
	packet := spendAll(t, prev)

	res, err := id.Sign(packet, DefaultPolicy())
	require.NoError(t, err)
	require.Equal(t, []int{0}, res.FinalizedInputs)
	verifyExtracted(t, packet, prev)
}

func TestSignBareKeyUsesDerivation(t *testing.T) {
	master := testMaster(t, 0x05)
	id := testIdentity(t, 0x05, "")
	require.Equal(t, descriptor.ScriptNone, id.ScriptType())

	child, err := master.Derive(0)
	require.NoError(t, err)
	child, err = child.Derive(1)
	require.NoError(t, err)
	pub, err := child.ECPubKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), testNet)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	prev := fundingTx(script)
	packet := spendAll(t, prev)

	// 没有派生信息时裸密钥无法识别输入。
	res, err := id.Sign(packet, DefaultPolicy())
	require.NoError(t, err)
	require.Empty(t, res.SignedInputs)

	packet.Inputs[0].Bip32Derivation = []*psbt.Bip32Derivation{{
		PubKey:               pub.SerializeCompressed(),
		MasterKeyFingerprint: id.Fingerprint(),
		Bip32Path:            []uint32{0, 1},
	}}
	res, err = id.Sign(packet, DefaultPolicy())
	require.NoError(t, err)
	require.Equal(t, []int{0}, res.SignedInputs)
	verifyExtracted(t, packet, prev)
}

func TestSignPartialMultisig(t *testing.T) {
	master := testMaster(t, 0x06)
	id := testIdentity(t, 0x06, "")
	other := testMaster(t, 0x07)

	ours, err := master.Derive(0)
	require.NoError(t, err)
	ourPub, err := ours.ECPubKey()
	require.NoError(t, err)
	theirPub, err := other.ECPubKey()
	require.NoError(t, err)

	witnessScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_2).
		AddData(ourPub.SerializeCompressed()).
		AddData(theirPub.SerializeCompressed()).
		AddOp(txscript.OP_2).
		AddOp(txscript.OP_CHECKMULTISIG).
		Script()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash(witnessScript), testNet)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	packet := spendAll(t, fundingTx(pkScript))
	packet.Inputs[0].WitnessScript = witnessScript
	packet.Inputs[0].Bip32Derivation = []*psbt.Bip32Derivation{{
		PubKey:               ourPub.SerializeCompressed(),
		MasterKeyFingerprint: id.Fingerprint(),
		Bip32Path:            []uint32{0},
	}}

	res, err := id.Sign(packet, DefaultPolicy())
	require.NoError(t, err)
	require.Equal(t, []int{0}, res.SignedInputs)
	require.Empty(t, res.FinalizedInputs)
	require.Len(t, packet.Inputs[0].PartialSigs, 1)
	require.Empty(t, packet.Inputs[0].FinalScriptWitness)
}

func TestSignLeavesForeignInputsUntouched(t *testing.T) {
	id := testIdentity(t, 0x01, "wpkh(%s/84'/1'/0'/0/*)")
	foreign := testIdentity(t, 0x09, "wpkh(%s/84'/1'/0'/0/*)")
	packet := spendAll(t, fundingTx(addressScript(t, foreign, 0), addressScript(t, foreign, 1)))
	before := encode(t, packet)

	res, err := id.Sign(packet, DefaultPolicy())
	require.NoError(t, err)
	require.Empty(t, res.SignedInputs)
	require.Empty(t, res.FinalizedInputs)
	require.Equal(t, before, encode(t, packet))
}

func TestSignIgnoresForeignInputWithMismatchedPrevTx(t *testing.T) {
	id := testIdentity(t, 0x01, "wpkh(%s/84'/1'/0'/0/*)")
	foreign := testIdentity(t, 0x09, "wpkh(%s/84'/1'/0'/0/*)")
	foreignScript := addressScript(t, foreign, 0)

	for _, trust := range []bool{true, false} {
		packet := spendAll(t, fundingTx(foreignScript))
		packet.Inputs[0].WitnessUtxo = nil
		packet.Inputs[0].NonWitnessUtxo = fundingTx(foreignScript, sinkScript)
		before := encode(t, packet)

		policy := DefaultPolicy()
		policy.TrustWitnessUTXO = trust
		res, err := id.Sign(packet, policy)
		require.NoError(t, err, "trust=%v", trust)
		require.Empty(t, res.SignedInputs)
		require.Equal(t, before, encode(t, packet))
	}
}

func TestSignMixedOwnership(t *testing.T) {
	id := testIdentity(t, 0x01, "wpkh(%s/84'/1'/0'/0/*)")
	foreign := testIdentity(t, 0x09, "wpkh(%s/84'/1'/0'/0/*)")
	packet := spendAll(t, fundingTx(addressScript(t, foreign, 0), addressScript(t, id, 0)))

	foreignBefore := packet.Inputs[0]
	res, err := id.Sign(packet, DefaultPolicy())
	require.NoError(t, err)
	require.Equal(t, []int{1}, res.SignedInputs)
	require.Equal(t, []int{1}, res.FinalizedInputs)
	require.Equal(t, foreignBefore, packet.Inputs[0])
}

func TestSignIsIdempotent(t *testing.T) {
	id := testIdentity(t, 0x01, "wpkh(%s/84'/1'/0'/0/*)")

	for _, finalize := range []bool{false, true} {
		packet := spendAll(t, fundingTx(addressScript(t, id, 0)))
		policy := DefaultPolicy()
		policy.TryFinalize = finalize

		_, err := id.Sign(packet, policy)
		require.NoError(t, err)
		once := encode(t, packet)

		res, err := id.Sign(packet, policy)
		require.NoError(t, err)
		require.Empty(t, res.SignedInputs)
		require.Equal(t, once, encode(t, packet))
	}
}

func TestSignIsDeterministic(t *testing.T) {
	for _, template := range []string{"wpkh(%s/84'/1'/0'/0/*)", "tr(%s/86'/1'/0'/0/*)"} {
		id := testIdentity(t, 0x0a, template)
		prev := fundingTx(addressScript(t, id, 0))

		first := spendAll(t, prev)
		_, err := id.Sign(first, DefaultPolicy())
		require.NoError(t, err)
		second := spendAll(t, prev)
		_, err = id.Sign(second, DefaultPolicy())
		require.NoError(t, err)
		require.Equal(t, encode(t, first), encode(t, second), template)
	}
}

func TestSignConcurrentRequests(t *testing.T) {
	id := testIdentity(t, 0x0b, "wpkh(%s/84'/1'/0'/0/*)")
	const workers = 8

	want := make([]string, workers)
	prevs := make([]*wire.MsgTx, workers)
	for i := range prevs {
		prevs[i] = fundingTx(addressScript(t, id, uint32(i)))
		packet := spendAll(t, prevs[i])
		_, err := id.Sign(packet, DefaultPolicy())
		require.NoError(t, err)
		want[i] = encode(t, packet)
	}

	packets := make([]*psbt.Packet, workers)
	for i := range packets {
		packets[i] = spendAll(t, prevs[i])
	}
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = id.Sign(packets[i], DefaultPolicy())
		}(i)
	}
	wg.Wait()

	for i := range packets {
		require.NoError(t, errs[i])
		require.Equal(t, want[i], encode(t, packets[i]))
	}
}

func TestSignPolicyRejections(t *testing.T) {
	id := testIdentity(t, 0x01, "wpkh(%s/84'/1'/0'/0/*)")
	script := addressScript(t, id, 0)

	t.Run("non standard sighash", func(t *testing.T) {
		packet := spendAll(t, fundingTx(script))
		packet.Inputs[0].SighashType = txscript.SigHashSingle
		policy := DefaultPolicy()
		policy.AllowAllSighashes = false

		_, err := id.Sign(packet, policy)
		require.ErrorIs(t, err, ErrNonStandardSighash)
		var signErr *SignError
		require.True(t, errors.As(err, &signErr))
		require.Equal(t, 0, signErr.Input)
	})

	t.Run("missing non-witness utxo", func(t *testing.T) {
		packet := spendAll(t, fundingTx(script))
		policy := DefaultPolicy()
		policy.TrustWitnessUTXO = false

		_, err := id.Sign(packet, policy)
		require.ErrorIs(t, err, ErrMissingNonWitnessUtxo)
	})

	t.Run("non-witness utxo from another transaction", func(t *testing.T) {
		prev := fundingTx(script)
		packet := spendAll(t, prev)
		other := fundingTx(script, script)
		packet.Inputs[0].NonWitnessUtxo = other
		policy := DefaultPolicy()
		policy.TrustWitnessUTXO = false

		_, err := id.Sign(packet, policy)
		require.ErrorIs(t, err, ErrInvalidNonWitnessUtxo)
	})

	t.Run("witness utxo disagrees", func(t *testing.T) {
		prev := fundingTx(script)
		packet := spendAll(t, prev)
		packet.Inputs[0].NonWitnessUtxo = prev
		packet.Inputs[0].WitnessUtxo = wire.NewTxOut(1, script)
		policy := DefaultPolicy()
		policy.TrustWitnessUTXO = false

		_, err := id.Sign(packet, policy)
		require.ErrorIs(t, err, ErrInvalidNonWitnessUtxo)
	})
}

func TestSignAnyoneCanPayAllowed(t *testing.T) {
	id := testIdentity(t, 0x01, "wpkh(%s/84'/1'/0'/0/*)")
	prev := fundingTx(addressScript(t, id, 0))
	packet := spendAll(t, prev)
	packet.Inputs[0].SighashType = txscript.SigHashAll | txscript.SigHashAnyOneCanPay

	res, err := id.Sign(packet, DefaultPolicy())
	require.NoError(t, err)
	require.Equal(t, []int{0}, res.FinalizedInputs)
	verifyExtracted(t, packet, prev)
}

func TestSignTaprootNeedsEveryPrevOut(t *testing.T) {
	id := testIdentity(t, 0x02, "tr(%s/86'/1'/0'/0/*)")
	packet := spendAll(t, fundingTx(sinkScript, addressScript(t, id, 0)))
	packet.Inputs[0].WitnessUtxo = nil

	_, err := id.Sign(packet, DefaultPolicy())
	require.ErrorIs(t, err, ErrMissingUtxo)
	var signErr *SignError
	require.True(t, errors.As(err, &signErr))
	require.Equal(t, 1, signErr.Input)
}

func TestSignRejectsInconsistentPacket(t *testing.T) {
	id := testIdentity(t, 0x01, "wpkh(%s/84'/1'/0'/0/*)")
	packet := spendAll(t, fundingTx(sinkScript))
	packet.Inputs = append(packet.Inputs, psbt.PInput{})

	_, err := id.Sign(packet, DefaultPolicy())
	require.ErrorIs(t, err, ErrMalformedPacket)

	_, err = id.Sign(nil, DefaultPolicy())
	require.ErrorIs(t, err, ErrMalformedPacket)
}

func TestSignAfterClose(t *testing.T) {
	id := testIdentity(t, 0x01, "wpkh(%s/84'/1'/0'/0/*)")
	packet := spendAll(t, fundingTx(addressScript(t, id, 0)))
	require.NoError(t, id.Close())
	require.NoError(t, id.Close())

	_, err := id.Sign(packet, DefaultPolicy())
	require.ErrorIs(t, err, ErrIdentityClosed)
	_, err = id.Address(0)
	require.ErrorIs(t, err, ErrIdentityClosed)
}

func TestIdentityNeverPrintsKey(t *testing.T) {
	id := testIdentity(t, 0x01, "wpkh(%s/84'/1'/0'/0/*)")
	require.NotContains(t, id.String(), "tprv")
	require.NotContains(t, id.LogValue().String(), "tprv")
	require.Contains(t, id.LogValue().String(), "testnet3")

	public, err := id.PublicDescriptor()
	require.NoError(t, err)
	require.NotContains(t, public, "tprv")
}

func TestNewRejectsWrongNetwork(t *testing.T) {
	master, err := hdkeychain.NewMaster(bytes.Repeat([]byte{0x01}, hdkeychain.RecommendedSeedLen), &chaincfg.MainNetParams)
	require.NoError(t, err)
	_, err = New(master.String(), testNet)
	require.ErrorIs(t, err, descriptor.ErrWrongNetwork)
}

func TestWithLookahead(t *testing.T) {
	secret := fmt.Sprintf("wpkh(%s/84'/1'/0'/0/*)", testMaster(t, 0x01).String())
	id, err := New(secret, testNet, WithLookahead(2))
	require.NoError(t, err)
	defer func() { _ = id.Close() }()

	packet := spendAll(t, fundingTx(addressScript(t, id, 1), addressScript(t, id, 2)))
	res, err := id.Sign(packet, DefaultPolicy())
	require.NoError(t, err)
	require.Equal(t, []int{0}, res.SignedInputs)
}

func scriptHash(script []byte) []byte {
	sum := sha256.Sum256(script)
	return sum[:]
}
