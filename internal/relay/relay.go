// Package relay implements the Share Relay publisher of spec.md §4.6: it
// broadcasts every validated share as a three-frame ZMQ PUB message,
// generalized from the teacher's bitcoind block/tx ZMQ feed
// (job_feed.go's zmqBlockLoop SUB-side plumbing) to the pool's own
// PUB-side share broadcast.
package relay

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pebbe/zmq4"

	"multipool/internal/jsonx"
	"multipool/internal/logging"
	"multipool/internal/validator"
)

// WireFormatMask selects the low bits of the flags word that carry the
// payload encoding, per spec.md §6. Other bits are reserved for
// forward-compatible additions.
const WireFormatMask uint32 = 0x3

const (
	FormatJSON   uint32 = 1
	FormatBinary uint32 = 2
)

// ShareWire is the wire representation of a validated Share, carrying
// every field spec.md §8's round-trip property preserves except Source
// and Created, which the receiver stamps locally.
type ShareWire struct {
	PoolID            string  `json:"poolId"`
	WorkerName        string  `json:"workerName"`
	MinerAddress      string  `json:"minerAddress,omitempty"`
	ClaimedDifficulty float64 `json:"claimedDifficulty"`
	ActualDifficulty  float64 `json:"actualDifficulty"`
	NetworkDifficulty float64 `json:"networkDifficulty"`
	Height            int64   `json:"height"`
	IsBlockCandidate  bool    `json:"isBlockCandidate"`
	SolutionHash      []byte  `json:"solutionHash,omitempty"`
	SolutionHeight    int64   `json:"solutionHeight,omitempty"`
}

// FromShare projects a validator.Share into its wire representation.
func FromShare(s *validator.Share) ShareWire {
	return ShareWire{
		PoolID:            s.PoolID,
		WorkerName:        s.WorkerName,
		MinerAddress:      s.MinerAddress,
		ClaimedDifficulty: s.ClaimedDifficulty,
		ActualDifficulty:  s.ActualDifficulty,
		NetworkDifficulty: s.NetworkDifficulty,
		Height:            s.Height,
		IsBlockCandidate:  s.IsBlockCandidate,
		SolutionHash:      s.Solution.Hash,
		SolutionHeight:    s.Solution.HeightHint,
	}
}

// EncodeJSON renders w as camelCase JSON, the FormatJSON wire encoding.
func EncodeJSON(w ShareWire) ([]byte, error) {
	return jsonx.Marshal(w)
}

// DecodeJSON is the FormatJSON counterpart to EncodeJSON.
func DecodeJSON(data []byte) (ShareWire, error) {
	var w ShareWire
	err := jsonx.Unmarshal(data, &w)
	return w, err
}

// Field tags for the compact binary encoding.
const (
	tagPoolID            byte = 0x01
	tagWorkerName        byte = 0x02
	tagMinerAddress      byte = 0x03
	tagClaimedDifficulty byte = 0x04
	tagActualDifficulty  byte = 0x05
	tagNetworkDifficulty byte = 0x06
	tagHeight            byte = 0x07
	tagIsBlockCandidate  byte = 0x08
	tagSolutionHash      byte = 0x09
	tagSolutionHeight    byte = 0x0A
)

// EncodeBinary renders w as the FormatBinary field-tagged compact binary
// encoding of spec.md §6.
func EncodeBinary(w ShareWire) []byte {
	buf := make([]byte, 0, 128)
	buf = appendString(buf, tagPoolID, w.PoolID)
	buf = appendString(buf, tagWorkerName, w.WorkerName)
	if w.MinerAddress != "" {
		buf = appendString(buf, tagMinerAddress, w.MinerAddress)
	}
	buf = appendFloat64(buf, tagClaimedDifficulty, w.ClaimedDifficulty)
	buf = appendFloat64(buf, tagActualDifficulty, w.ActualDifficulty)
	buf = appendFloat64(buf, tagNetworkDifficulty, w.NetworkDifficulty)
	buf = appendInt64(buf, tagHeight, w.Height)
	buf = appendBool(buf, tagIsBlockCandidate, w.IsBlockCandidate)
	if len(w.SolutionHash) > 0 {
		buf = appendBytes(buf, tagSolutionHash, w.SolutionHash)
	}
	if w.SolutionHeight != 0 {
		buf = appendInt64(buf, tagSolutionHeight, w.SolutionHeight)
	}
	return buf
}

// DecodeBinary is the FormatBinary counterpart to EncodeBinary.
func DecodeBinary(data []byte) (ShareWire, error) {
	var w ShareWire
	pos := 0
	for pos < len(data) {
		tag := data[pos]
		pos++
		switch tag {
		case tagPoolID, tagWorkerName, tagMinerAddress:
			s, n, err := readString(data[pos:])
			if err != nil {
				return w, err
			}
			pos += n
			switch tag {
			case tagPoolID:
				w.PoolID = s
			case tagWorkerName:
				w.WorkerName = s
			case tagMinerAddress:
				w.MinerAddress = s
			}
		case tagClaimedDifficulty, tagActualDifficulty, tagNetworkDifficulty:
			f, n, err := readFloat64(data[pos:])
			if err != nil {
				return w, err
			}
			pos += n
			switch tag {
			case tagClaimedDifficulty:
				w.ClaimedDifficulty = f
			case tagActualDifficulty:
				w.ActualDifficulty = f
			case tagNetworkDifficulty:
				w.NetworkDifficulty = f
			}
		case tagHeight, tagSolutionHeight:
			i, n, err := readInt64(data[pos:])
			if err != nil {
				return w, err
			}
			pos += n
			if tag == tagHeight {
				w.Height = i
			} else {
				w.SolutionHeight = i
			}
		case tagIsBlockCandidate:
			if pos >= len(data) {
				return w, fmt.Errorf("relay: truncated bool field")
			}
			w.IsBlockCandidate = data[pos] != 0
			pos++
		case tagSolutionHash:
			b, n, err := readBytes(data[pos:])
			if err != nil {
				return w, err
			}
			pos += n
			w.SolutionHash = b
		default:
			return w, fmt.Errorf("relay: unknown field tag 0x%02x", tag)
		}
	}
	return w, nil
}

func appendString(buf []byte, tag byte, s string) []byte {
	return appendBytes(buf, tag, []byte(s))
}

func appendBytes(buf []byte, tag byte, b []byte) []byte {
	buf = append(buf, tag)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, b...)
}

func appendFloat64(buf []byte, tag byte, f float64) []byte {
	buf = append(buf, tag)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	return append(buf, b[:]...)
}

func appendInt64(buf []byte, tag byte, v int64) []byte {
	buf = append(buf, tag)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

func appendBool(buf []byte, tag byte, v bool) []byte {
	buf = append(buf, tag)
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func readString(data []byte) (string, int, error) {
	b, n, err := readBytes(data)
	return string(b), n, err
}

func readBytes(data []byte) ([]byte, int, error) {
	if len(data) < 2 {
		return nil, 0, fmt.Errorf("relay: truncated length prefix")
	}
	l := int(binary.BigEndian.Uint16(data[:2]))
	if len(data) < 2+l {
		return nil, 0, fmt.Errorf("relay: truncated field body")
	}
	return append([]byte(nil), data[2:2+l]...), 2 + l, nil
}

func readFloat64(data []byte) (float64, int, error) {
	if len(data) < 8 {
		return 0, 0, fmt.Errorf("relay: truncated float64 field")
	}
	return math.Float64frombits(binary.BigEndian.Uint64(data[:8])), 8, nil
}

func readInt64(data []byte) (int64, int, error) {
	if len(data) < 8 {
		return 0, 0, fmt.Errorf("relay: truncated int64 field")
	}
	return int64(binary.BigEndian.Uint64(data[:8])), 8, nil
}

// PublishConfig is spec.md §4.6's outbound relay descriptor
// (ClusterConfig.shareRelay/config.RelayPublishConfig).
type PublishConfig struct {
	URL    string
	Format uint32
}

// Publisher is the Share Relay: a ZMQ PUB socket broadcasting validated
// shares as three-frame [topic, flags, payload] messages, one message per
// accepted share, per spec.md §4.6.
type Publisher struct {
	sock   *zmq4.Socket
	format uint32
	logger *logging.Logger
}

// NewPublisher binds a PUB socket at cfg.URL. format defaults to
// FormatBinary when unset.
func NewPublisher(cfg PublishConfig, l *logging.Logger) (*Publisher, error) {
	format := cfg.Format & WireFormatMask
	if format == 0 {
		format = FormatBinary
	}
	sock, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, fmt.Errorf("relay: create pub socket: %w", err)
	}
	_ = sock.SetLinger(0)
	if err := sock.Bind(cfg.URL); err != nil {
		sock.Close()
		return nil, fmt.Errorf("relay: bind %s: %w", cfg.URL, err)
	}
	return &Publisher{sock: sock, format: format, logger: l}, nil
}

// Publish broadcasts share as a three-frame message whose topic is the
// share's pool id, per spec.md §4.6's literal "[topic=pool_id, flags,
// payload]" framing.
func (p *Publisher) Publish(share *validator.Share) error {
	wire := FromShare(share)

	var payload []byte
	var err error
	switch p.format {
	case FormatJSON:
		payload, err = EncodeJSON(wire)
	default:
		payload = EncodeBinary(wire)
	}
	if err != nil {
		return fmt.Errorf("relay: encode share: %w", err)
	}

	var flagsBuf [4]byte
	binary.BigEndian.PutUint32(flagsBuf[:], p.format)

	if _, err := p.sock.SendMessage(share.PoolID, flagsBuf[:], payload); err != nil {
		if p.logger != nil {
			p.logger.Warn("relay publish failed", "pool", share.PoolID, "error", err)
		}
		return err
	}
	return nil
}

// Close releases the underlying ZMQ socket.
func (p *Publisher) Close() error {
	return p.sock.Close()
}
