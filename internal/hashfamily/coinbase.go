package hashfamily

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// payoutOutput is one non-witness-commitment output of a coinbase
// transaction: a payScript and the satoshi value it carries.
type payoutOutput struct {
	Script []byte
	Value  int64
}

// writeVarInt/writeUint32LE/writeUint64LE are Bitcoin's little-endian
// wire primitives, grounded on job_hash.go's allocation-free variants.
func writeVarInt(buf *bytes.Buffer, v uint64) {
	switch {
	case v < 0xfd:
		buf.WriteByte(byte(v))
	case v <= 0xffff:
		buf.WriteByte(0xfd)
		writeUint16LE(buf, uint16(v))
	case v <= 0xffffffff:
		buf.WriteByte(0xfe)
		writeUint32LE(buf, uint32(v))
	default:
		buf.WriteByte(0xff)
		writeUint64LE(buf, v)
	}
}

func writeUint16LE(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(byte(v))
	buf.WriteByte(byte(v >> 8))
}

func writeUint32LE(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	tmp[0] = byte(v)
	tmp[1] = byte(v >> 8)
	tmp[2] = byte(v >> 16)
	tmp[3] = byte(v >> 24)
	buf.Write(tmp[:])
}

func writeUint64LE(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	tmp[0] = byte(v)
	tmp[1] = byte(v >> 8)
	tmp[2] = byte(v >> 16)
	tmp[3] = byte(v >> 24)
	tmp[4] = byte(v >> 32)
	tmp[5] = byte(v >> 40)
	tmp[6] = byte(v >> 48)
	tmp[7] = byte(v >> 56)
	buf.Write(tmp[:])
}

const maxPayoutOutputs = 32

func validatePayoutOutputs(outputs []payoutOutput) error {
	if len(outputs) == 0 {
		return fmt.Errorf("hashfamily: at least one payout output is required")
	}
	if len(outputs) > maxPayoutOutputs {
		return fmt.Errorf("hashfamily: too many payout outputs: %d > %d", len(outputs), maxPayoutOutputs)
	}
	for i, o := range outputs {
		if len(o.Script) == 0 {
			return fmt.Errorf("hashfamily: payout output %d script required", i)
		}
		if o.Value < 0 {
			return fmt.Errorf("hashfamily: payout output %d value cannot be negative", i)
		}
	}
	return nil
}

func buildCoinbaseOutputs(commitmentScript []byte, payouts []payoutOutput) ([]byte, error) {
	if err := validatePayoutOutputs(payouts); err != nil {
		return nil, err
	}
	var outputs bytes.Buffer
	outputCount := uint64(len(payouts))
	if len(commitmentScript) > 0 {
		outputCount++
	}
	writeVarInt(&outputs, outputCount)
	if len(commitmentScript) > 0 {
		writeUint64LE(&outputs, 0)
		writeVarInt(&outputs, uint64(len(commitmentScript)))
		outputs.Write(commitmentScript)
	}
	for _, o := range payouts {
		writeUint64LE(&outputs, uint64(o.Value))
		writeVarInt(&outputs, uint64(len(o.Script)))
		outputs.Write(o.Script)
	}
	return outputs.Bytes(), nil
}

// splitReward turns cfg.RewardRecipients' percentages plus the primary
// payout script into a concrete list of payoutOutput values that sum to
// totalValue, mirroring buildCoinbaseParts/buildDualPayoutCoinbaseParts's
// percentage-of-total-value math generalized to N recipients.
func splitReward(payoutScript []byte, totalValue int64, recipients []RewardRecipient) []payoutOutput {
	if len(recipients) == 0 {
		return []payoutOutput{{Script: payoutScript, Value: totalValue}}
	}
	outputs := make([]payoutOutput, 0, len(recipients)+1)
	remaining := totalValue
	for _, r := range recipients {
		cut := int64(float64(totalValue) * r.Percent / 100)
		if cut > remaining {
			cut = remaining
		}
		remaining -= cut
		outputs = append(outputs, payoutOutput{Script: r.Script, Value: cut})
	}
	outputs = append(outputs, payoutOutput{Script: payoutScript, Value: remaining})
	return outputs
}

// RewardRecipient is a fee-split payout target, resolved from
// config.RewardRecipient into a spendable script ahead of coinbase
// assembly.
type RewardRecipient struct {
	Script  []byte
	Percent float64
}

func serializeNumberScript(n int64) []byte {
	if n >= 1 && n <= 16 {
		return []byte{byte(0x50 + n)}
	}
	l := 1
	buf := make([]byte, 9)
	for n > 0x7f {
		buf[l] = byte(n & 0xff)
		l++
		n >>= 8
	}
	buf[0] = byte(l)
	buf[l] = byte(n)
	return buf[:l+1]
}

// normalizeCoinbaseMessage trims msg and wraps it in a single leading and
// trailing '/', falling back to a default tag when empty.
func normalizeCoinbaseMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "/multipool/"
	}
	msg = strings.TrimPrefix(msg, "/")
	msg = strings.TrimSuffix(msg, "/")
	return "/" + msg + "/"
}

func serializeStringScript(s string) []byte {
	b := []byte(s)
	if len(b) < 253 {
		return append([]byte{byte(len(b))}, b...)
	}
	if len(b) < 0x10000 {
		out := []byte{253, byte(len(b)), byte(len(b) >> 8)}
		return append(out, b...)
	}
	out := []byte{254, byte(len(b)), byte(len(b) >> 8), byte(len(b) >> 16), byte(len(b) >> 24)}
	return append(out, b...)
}

// buildCoinbaseParts assembles the two coinbase halves (coinb1/coinb2 hex)
// either side of the extranonce1||extranonce2 splice point that
// mining.notify advertises to miners, splitting the block reward across
// payoutScript and any configured fee recipients, per spec.md §4.2's
// coinbase-output-construction requirement.
func buildCoinbaseParts(height int64, extranonce1 []byte, extranonce2Size int, payoutScript []byte, coinbaseValue int64, recipients []RewardRecipient, witnessCommitment, coinbaseMsg string, scriptTime int64) (coinb1Hex, coinb2Hex string, err error) {
	if extranonce2Size <= 0 {
		extranonce2Size = 4
	}
	extraNoncePlaceholder := bytes.Repeat([]byte{0x00}, len(extranonce1)+extranonce2Size)

	scriptSigPart1 := bytes.Join([][]byte{
		serializeNumberScript(height),
		serializeNumberScript(scriptTime),
		{byte(len(extraNoncePlaceholder))},
	}, nil)
	msg := normalizeCoinbaseMessage(coinbaseMsg)
	scriptSigPart2 := serializeStringScript(msg)

	var p1 bytes.Buffer
	writeUint32LE(&p1, 1)
	writeVarInt(&p1, 1)
	p1.Write(bytes.Repeat([]byte{0x00}, 32))
	writeUint32LE(&p1, 0xffffffff)
	writeVarInt(&p1, uint64(len(scriptSigPart1)+len(extraNoncePlaceholder)+len(scriptSigPart2)))
	p1.Write(scriptSigPart1)

	var commitmentScript []byte
	if witnessCommitment != "" {
		commitmentScript, err = hex.DecodeString(witnessCommitment)
		if err != nil {
			return "", "", fmt.Errorf("hashfamily: decode witness commitment: %w", err)
		}
	}
	outputs, err := buildCoinbaseOutputs(commitmentScript, splitReward(payoutScript, coinbaseValue, recipients))
	if err != nil {
		return "", "", err
	}

	var p2 bytes.Buffer
	p2.Write(scriptSigPart2)
	writeUint32LE(&p2, 0)
	p2.Write(outputs)
	writeUint32LE(&p2, 0)

	return hex.EncodeToString(p1.Bytes()), hex.EncodeToString(p2.Bytes()), nil
}
