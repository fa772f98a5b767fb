// Package receiver implements the Share Receiver of spec.md §4.6: it
// subscribes to one or more remote clusters' Share Relay publishers,
// filters on configured topics, deserializes foreign shares, and
// re-injects them into the local message bus as if locally produced.
// Grounded on the teacher's zmqBlockLoop SUB-socket lifecycle
// (job_feed.go): reconnect backoff, receive-timeout driven silence
// detection, generalized from a single bitcoind feed to multiple
// configured remote endpoints.
package receiver

import (
	"context"
	"encoding/binary"
	"fmt"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"

	"multipool/internal/bus"
	"multipool/internal/clock"
	"multipool/internal/logging"
	"multipool/internal/relay"
	"multipool/internal/validator"
)

// silenceTimeout is spec.md §4.6/§5's "a subscriber with no received
// frames for a 60s timeout tears down and reconnects."
const silenceTimeout = 60 * time.Second

const (
	recreateBackoffMin = 500 * time.Millisecond
	recreateBackoffMax = 30 * time.Second
)

// Target is one remote endpoint this pool subscribes to
// (PoolConfig.externalStratums / config.RelaySubscribeTarget).
type Target struct {
	URL         string
	Topics      []string
	ClusterName string
}

// Subscriber runs one reconnecting SUB loop per configured Target,
// injecting decoded shares into bus under bus.TopicShare.
type Subscriber struct {
	targets []Target
	bus     *bus.Bus
	clock   clock.Clock
	logger  *logging.Logger
}

// New constructs a Subscriber over the given remote targets.
func New(targets []Target, b *bus.Bus, c clock.Clock, l *logging.Logger) *Subscriber {
	if c == nil {
		c = clock.Real()
	}
	return &Subscriber{targets: targets, bus: b, clock: c, logger: l}
}

// Start launches one goroutine per configured target and returns
// immediately; loops run until ctx is cancelled.
func (s *Subscriber) Start(ctx context.Context) {
	for _, t := range s.targets {
		go s.subscribeLoop(ctx, t)
	}
}

// ReceivedShare is what the Subscriber injects onto the bus: a
// validator.Share with Source/CreatedAt overwritten per spec.md §4.6.
type ReceivedShare = validator.Share

func (s *Subscriber) subscribeLoop(ctx context.Context, t Target) {
	backoff := recreateBackoffMin
	topicSet := make(map[string]struct{}, len(t.Topics))
	for _, top := range t.Topics {
		topicSet[top] = struct{}{}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.runOnce(ctx, t, topicSet); err != nil {
			s.logger.Warn("relay subscriber error, reconnecting", "url", t.URL, "error", err)
			if sleepErr := sleepContext(ctx, backoff); sleepErr != nil {
				return
			}
			backoff *= 2
			if backoff > recreateBackoffMax {
				backoff = recreateBackoffMax
			}
			continue
		}
		backoff = recreateBackoffMin
	}
}

// runOnce dials one SUB socket, subscribes to t.Topics, and loops until a
// silence timeout, a hard error, or ctx cancellation. It returns nil when
// ctx is cancelled and a non-nil error otherwise, so the caller can decide
// whether to back off and retry.
func (s *Subscriber) runOnce(ctx context.Context, t Target, topicSet map[string]struct{}) error {
	sock, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return fmt.Errorf("receiver: create sub socket: %w", err)
	}
	defer sock.Close()
	_ = sock.SetLinger(0)

	if len(t.Topics) == 0 {
		if err := sock.SetSubscribe(""); err != nil {
			return fmt.Errorf("receiver: subscribe all: %w", err)
		}
	} else {
		for _, top := range t.Topics {
			if err := sock.SetSubscribe(top); err != nil {
				return fmt.Errorf("receiver: subscribe %s: %w", top, err)
			}
		}
	}
	if err := sock.SetRcvtimeo(5 * time.Second); err != nil {
		return fmt.Errorf("receiver: set rcvtimeo: %w", err)
	}
	if err := sock.Connect(t.URL); err != nil {
		return fmt.Errorf("receiver: connect %s: %w", t.URL, err)
	}

	lastFrame := s.clock.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if s.clock.Since(lastFrame) > silenceTimeout {
			return fmt.Errorf("receiver: %s silent for %s", t.URL, silenceTimeout)
		}

		frames, err := sock.RecvMessageBytes(0)
		if err != nil {
			eno := zmq4.AsErrno(err)
			if eno == zmq4.Errno(syscall.EAGAIN) || eno == zmq4.ETIMEDOUT {
				continue
			}
			return fmt.Errorf("receiver: recv from %s: %w", t.URL, err)
		}
		lastFrame = s.clock.Now()

		if len(frames) < 3 {
			s.logger.Warn("receiver: short frame set", "url", t.URL, "frames", len(frames))
			continue
		}
		topic := string(frames[0])
		if len(topicSet) > 0 {
			if _, ok := topicSet[topic]; !ok {
				s.logger.Warn("receiver: dropping frame for unsubscribed topic", "url", t.URL, "topic", topic)
				continue
			}
		}

		share, err := s.decode(topic, frames[1], frames[2], t.ClusterName)
		if err != nil {
			s.logger.Warn("receiver: decode failed", "url", t.URL, "topic", topic, "error", err)
			continue
		}
		if s.bus != nil {
			s.bus.Publish(bus.TopicShare, share)
		}
	}
}

// decode implements spec.md §4.6's flags parsing, including the
// documented reversed-byte-order legacy publisher workaround (spec.md
// §9 Open Question): if masking the flags word yields zero, the bytes
// are reversed and masked again before giving up.
func (s *Subscriber) decode(topic string, flagsFrame, payload []byte, clusterName string) (*validator.Share, error) {
	if len(flagsFrame) != 4 {
		return nil, fmt.Errorf("flags frame must be 4 bytes, got %d", len(flagsFrame))
	}
	flags := binary.BigEndian.Uint32(flagsFrame)
	format := flags & relay.WireFormatMask
	if format == 0 {
		reversed := make([]byte, 4)
		for i := range flagsFrame {
			reversed[i] = flagsFrame[3-i]
		}
		flags = binary.BigEndian.Uint32(reversed)
		format = flags & relay.WireFormatMask
	}

	var wire relay.ShareWire
	var err error
	switch format {
	case relay.FormatJSON:
		wire, err = relay.DecodeJSON(payload)
	case relay.FormatBinary:
		wire, err = relay.DecodeBinary(payload)
	default:
		return nil, fmt.Errorf("unrecognized wire format flags 0x%x", flags)
	}
	if err != nil {
		return nil, err
	}

	share := &validator.Share{
		PoolID:            wire.PoolID,
		WorkerName:        wire.WorkerName,
		MinerAddress:      wire.MinerAddress,
		ClaimedDifficulty: wire.ClaimedDifficulty,
		ActualDifficulty:  wire.ActualDifficulty,
		NetworkDifficulty: wire.NetworkDifficulty,
		Height:            wire.Height,
		IsBlockCandidate:  wire.IsBlockCandidate,
		Source:            clusterName,
		CreatedAt:         s.clock.Now(),
	}
	share.Solution.Hash = wire.SolutionHash
	share.Solution.HeightHint = wire.SolutionHeight
	_ = topic
	return share, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
