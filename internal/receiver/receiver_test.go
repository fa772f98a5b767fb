package receiver

import (
	"context"
	"testing"
	"time"

	"multipool/internal/clock"
	"multipool/internal/logging"
	"multipool/internal/relay"
)

func newTestSubscriber() *Subscriber {
	return New(nil, nil, clock.Real(), logging.New())
}

func sampleWire() relay.ShareWire {
	return relay.ShareWire{
		PoolID:            "btc-main",
		WorkerName:        "alice.rig1",
		ClaimedDifficulty: 64,
		ActualDifficulty:  128,
		NetworkDifficulty: 500000,
		Height:            700000,
		IsBlockCandidate:  false,
	}
}

func TestDecodeStandardFlagsWord(t *testing.T) {
	s := newTestSubscriber()
	payload := relay.EncodeBinary(sampleWire())

	flags := []byte{0, 0, 0, byte(relay.FormatBinary)}
	share, err := s.decode("btc-main", flags, payload, "remote-cluster")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if share.PoolID != "btc-main" || share.WorkerName != "alice.rig1" {
		t.Fatalf("unexpected decoded share: %+v", share)
	}
	if share.Source != "remote-cluster" {
		t.Fatalf("expected Source to be stamped with cluster name, got %q", share.Source)
	}
}

func TestDecodeReversedFlagsWordWorkaround(t *testing.T) {
	s := newTestSubscriber()
	payload := relay.EncodeBinary(sampleWire())

	// A legacy publisher emits the flags word byte-reversed; masking it
	// directly yields zero, which triggers the documented workaround of
	// re-reading the bytes in reverse order before giving up.
	reversedFlags := []byte{byte(relay.FormatBinary), 0, 0, 0}
	share, err := s.decode("btc-main", reversedFlags, payload, "remote-cluster")
	if err != nil {
		t.Fatalf("decode with reversed flags: %v", err)
	}
	if share.Height != 700000 {
		t.Fatalf("expected successful decode via reversed-flags fallback, got %+v", share)
	}
}

func TestDecodeRejectsShortFlagsFrame(t *testing.T) {
	s := newTestSubscriber()
	if _, err := s.decode("t", []byte{0, 0, 1}, nil, "c"); err == nil {
		t.Fatal("expected error for non-4-byte flags frame")
	}
}

func TestDecodeRejectsUnrecognizedFormat(t *testing.T) {
	s := newTestSubscriber()
	flags := []byte{0, 0, 0, 0x3} // both format bits set, not a valid single format
	if _, err := s.decode("t", flags, []byte{}, "c"); err == nil {
		t.Fatal("expected error for unrecognized wire format")
	}
}

func TestSleepContextReturnsNilAfterDuration(t *testing.T) {
	start := time.Now()
	if err := sleepContext(context.Background(), 5*time.Millisecond); err != nil {
		t.Fatalf("sleepContext: %v", err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Fatal("sleepContext returned before the requested duration elapsed")
	}
}
