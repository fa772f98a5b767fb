package hashfamily

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/wire"
)

// decodeCoinbaseParts reassembles the coinb1/coinb2 halves with a
// placeholder extranonce splice and hands the result to btcd's wire
// decoder, mirroring coinbase_test.go's approach of trusting a real
// Bitcoin transaction parser over a hand-rolled byte comparison.
func decodeCoinbaseParts(t *testing.T, coinb1Hex, coinb2Hex string, extranonce1Size, extranonce2Size int) wire.MsgTx {
	t.Helper()
	coinb1, err := hex.DecodeString(coinb1Hex)
	if err != nil {
		t.Fatalf("decode coinb1: %v", err)
	}
	coinb2, err := hex.DecodeString(coinb2Hex)
	if err != nil {
		t.Fatalf("decode coinb2: %v", err)
	}
	placeholder := bytes.Repeat([]byte{0x00}, extranonce1Size+extranonce2Size)
	raw := append(append(append([]byte{}, coinb1...), placeholder...), coinb2...)

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("btcd MsgTx deserialize error: %v", err)
	}
	return tx
}

func TestBuildCoinbasePartsSingleOutputStructure(t *testing.T) {
	payoutScript := []byte{0x51} // OP_TRUE, non-standard but fine for structure
	coinbaseValue := int64(50 * 1e8)

	coinb1, coinb2, err := buildCoinbaseParts(100, make([]byte, 4), 4, payoutScript, coinbaseValue, nil, "", "multipool-test", 0)
	if err != nil {
		t.Fatalf("buildCoinbaseParts: %v", err)
	}

	tx := decodeCoinbaseParts(t, coinb1, coinb2, 4, 4)
	if tx.Version != 1 {
		t.Fatalf("expected version 1, got %d", tx.Version)
	}
	if len(tx.TxIn) != 1 {
		t.Fatalf("expected 1 input, got %d", len(tx.TxIn))
	}
	if len(tx.TxOut) != 1 {
		t.Fatalf("expected 1 output, got %d", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != coinbaseValue {
		t.Fatalf("expected output value %d, got %d", coinbaseValue, tx.TxOut[0].Value)
	}
	if !bytes.Equal(tx.TxOut[0].PkScript, payoutScript) {
		t.Fatalf("payout script mismatch: got %x, want %x", tx.TxOut[0].PkScript, payoutScript)
	}
}

func TestBuildCoinbasePartsSplitsRewardAcrossRecipients(t *testing.T) {
	payoutScript := []byte{0x51}
	feeScript := []byte{0x52} // OP_2
	coinbaseValue := int64(100 * 1e8)

	coinb1, coinb2, err := buildCoinbaseParts(200, make([]byte, 4), 4, payoutScript, coinbaseValue,
		[]RewardRecipient{{Script: feeScript, Percent: 1}}, "", "", 0)
	if err != nil {
		t.Fatalf("buildCoinbaseParts: %v", err)
	}

	tx := decodeCoinbaseParts(t, coinb1, coinb2, 4, 4)
	if len(tx.TxOut) != 2 {
		t.Fatalf("expected 2 outputs (fee + payout), got %d", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != coinbaseValue/100 {
		t.Fatalf("expected fee output %d, got %d", coinbaseValue/100, tx.TxOut[0].Value)
	}
	total := tx.TxOut[0].Value + tx.TxOut[1].Value
	if total != coinbaseValue {
		t.Fatalf("expected outputs to sum to %d, got %d", coinbaseValue, total)
	}
}

func TestBuildCoinbasePartsWithWitnessCommitment(t *testing.T) {
	payoutScript := []byte{0x51}
	commitment := "6a24aa21a9ed" + hex.EncodeToString(bytes.Repeat([]byte{0xcd}, 32))

	coinb1, coinb2, err := buildCoinbaseParts(300, make([]byte, 4), 4, payoutScript, 5000000000, nil, commitment, "", 0)
	if err != nil {
		t.Fatalf("buildCoinbaseParts: %v", err)
	}

	tx := decodeCoinbaseParts(t, coinb1, coinb2, 4, 4)
	if len(tx.TxOut) != 2 {
		t.Fatalf("expected witness commitment plus payout output, got %d outputs", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 0 {
		t.Fatalf("expected witness commitment output value 0, got %d", tx.TxOut[0].Value)
	}
}

func TestNormalizeCoinbaseMessageWrapsWithSlashes(t *testing.T) {
	cases := map[string]string{
		"":           "/multipool/",
		"my-pool":    "/my-pool/",
		"/tagged/":   "/tagged/",
		"  spaced  ": "/spaced/",
	}
	for in, want := range cases {
		if got := normalizeCoinbaseMessage(in); got != want {
			t.Errorf("normalizeCoinbaseMessage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitRewardNoRecipientsGivesFullPayout(t *testing.T) {
	out := splitReward([]byte{0x51}, 1000, nil)
	if len(out) != 1 || out[0].Value != 1000 {
		t.Fatalf("expected single full-value output, got %+v", out)
	}
}
