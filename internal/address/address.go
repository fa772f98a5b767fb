// Package address implements local payout-address validation and
// scriptPubKey derivation per coin family, per spec.md §4.2's coinbase
// output construction. Validation happens without any daemon wallet RPC:
// the pool only needs to know an address is well-formed and belongs to
// the configured network.
package address

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcutil/base58"
)

// Network names accepted by ParamsForNetwork, mirroring the network
// selector a PoolConfig entry carries.
const (
	Mainnet  = "mainnet"
	Testnet3 = "testnet3"
	Signet   = "signet"
	Regtest  = "regtest"
)

// ParamsForNetwork resolves a configured network name to the chaincfg
// parameter set it selects between.
func ParamsForNetwork(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case Mainnet, "":
		return &chaincfg.MainNetParams, nil
	case Testnet3, "testnet":
		return &chaincfg.TestNet3Params, nil
	case Signet:
		return &chaincfg.SigNetParams, nil
	case Regtest, "regression":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// ScriptForAddress performs local validation of addr against params and
// returns the corresponding scriptPubKey. Supports base58 (P2PKH/P2SH)
// and bech32/bech32m segwit destinations.
func ScriptForAddress(addr string, params *chaincfg.Params) ([]byte, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" || params == nil {
		return nil, errors.New("empty address")
	}

	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}

	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("address %s is not valid for %s", addr, params.Name)
	}

	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("pay to addr script: %w", err)
	}
	return script, nil
}

// PayoutScript resolves a pool's configured payout address into a
// scriptPubKey for coinbase output construction (spec.md §4.2 step 3).
func PayoutScript(payoutAddress string, params *chaincfg.Params) ([]byte, error) {
	if payoutAddress == "" {
		return nil, errors.New("payout address is required for coinbase outputs")
	}
	script, err := ScriptForAddress(payoutAddress, params)
	if err != nil {
		return nil, fmt.Errorf("invalid payout address %s: %w", payoutAddress, err)
	}
	return script, nil
}

// ScriptToAddress derives a human-readable address from a standard
// scriptPubKey (P2PKH, P2SH, and common segwit forms), used when
// rendering accounting/status output for a worker's payout script. It
// returns an empty string on failure rather than an error, since callers
// treat address rendering as best-effort display.
func ScriptToAddress(script []byte, params *chaincfg.Params) string {
	if len(script) == 0 || params == nil {
		return ""
	}

	if len(script) == 25 &&
		script[0] == 0x76 && script[1] == 0xa9 &&
		script[2] == 0x14 && script[23] == 0x88 && script[24] == 0xac {
		hash := script[3:23]
		return base58.CheckEncode(hash, params.PubKeyHashAddrID)
	}

	if len(script) == 23 &&
		script[0] == 0xa9 && script[1] == 0x14 && script[22] == 0x87 {
		hash := script[2:22]
		return base58.CheckEncode(hash, params.ScriptHashAddrID)
	}

	if len(script) >= 4 && script[1] >= 0x02 && script[1] <= 0x28 {
		var ver byte
		switch script[0] {
		case 0x00:
			ver = 0
		default:
			if script[0] >= 0x51 && script[0] <= 0x60 {
				ver = script[0] - 0x50
			} else {
				return ""
			}
		}
		progLen := int(script[1])
		if 2+progLen > len(script) {
			return ""
		}
		prog := script[2 : 2+progLen]
		progData, err := bech32.ConvertBits(prog, 8, 5, true)
		if err != nil {
			return ""
		}
		data := append([]byte{ver}, progData...)
		var addr string
		if ver == 0 {
			addr, err = bech32.Encode(params.Bech32HRPSegwit, data)
		} else {
			addr, err = bech32.EncodeM(params.Bech32HRPSegwit, data)
		}
		if err != nil {
			return ""
		}
		return addr
	}

	return ""
}

// Valid reports whether addr is a well-formed, network-matching address,
// without constructing its scriptPubKey.
func Valid(addr string, params *chaincfg.Params) bool {
	_, err := ScriptForAddress(addr, params)
	return err == nil
}
