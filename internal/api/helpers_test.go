package signerapi

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sign/psbt-signer/internal/wallet/signer"
	"github.com/aegis-sign/psbt-signer/pkg/psbtcodec"
)

var (
	testNet       = &chaincfg.TestNet3Params
	foreignScript = append([]byte{txscript.OP_0, 0x14}, bytes.Repeat([]byte{0x42}, 20)...)
	sinkScript    = append([]byte{txscript.OP_0, 0x14}, make([]byte, 20)...)
)

// testIdentity 返回 wpkh 身份及其扩展私钥文本。
func testIdentity(t *testing.T) (*signer.Identity, string) {
	t.Helper()
	master, err := hdkeychain.NewMaster(bytes.Repeat([]byte{0x11}, hdkeychain.RecommendedSeedLen), testNet)
	require.NoError(t, err)
	xprv := master.String()
	id, err := signer.New("wpkh("+xprv+"/84'/1'/0'/0/*)", testNet)
	require.NoError(t, err)
	t.Cleanup(func() { _ = id.Close() })
	return id, xprv
}

func ownedScript(t *testing.T, id *signer.Identity) []byte {
	t.Helper()
	addr, err := id.Address(0)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return script
}

// spendPacket 构造只有一个输入、只填写 witness_utxo 的 PSBT。
func spendPacket(t *testing.T, pkScript []byte) *psbt.Packet {
	t.Helper()
	prev := chainhash.Hash{0x01, 0x02, 0x03}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(99_000, sinkScript))
	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)
	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(100_000, pkScript)
	return packet
}

func encodePacket(t *testing.T, packet *psbt.Packet, enc psbtcodec.Encoding) string {
	t.Helper()
	text, err := psbtcodec.Encode(packet, enc)
	require.NoError(t, err)
	return text
}

func rawPacket(t *testing.T, packet *psbt.Packet) []byte {
	t.Helper()
	raw, err := psbtcodec.EncodeBinary(packet)
	require.NoError(t, err)
	return raw
}

func newBackend(t *testing.T, id *signer.Identity, policy signer.Policy) *IdentityBackend {
	t.Helper()
	backend, err := NewIdentityBackend(id, policy)
	require.NoError(t, err)
	return backend
}
