package relay

import (
	"testing"

	"multipool/internal/validator"
)

func sampleShare() *validator.Share {
	s := &validator.Share{
		PoolID:            "btc-main",
		WorkerName:        "alice.rig1",
		MinerAddress:      "bc1qexampleaddress",
		ClaimedDifficulty: 128,
		ActualDifficulty:  512,
		NetworkDifficulty: 900000,
		Height:            812345,
		IsBlockCandidate:  true,
	}
	s.Solution.Hash = []byte{0x00, 0x00, 0x01, 0xab, 0xcd}
	s.Solution.HeightHint = 812345
	return s
}

func TestJSONRoundTrip(t *testing.T) {
	want := FromShare(sampleShare())

	data, err := EncodeJSON(want)
	if err != nil {
		t.Fatalf("EncodeJSON: %v", err)
	}
	got, err := DecodeJSON(data)
	if err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if got.PoolID != want.PoolID || got.WorkerName != want.WorkerName ||
		got.MinerAddress != want.MinerAddress || got.Height != want.Height ||
		got.IsBlockCandidate != want.IsBlockCandidate ||
		got.ClaimedDifficulty != want.ClaimedDifficulty ||
		got.ActualDifficulty != want.ActualDifficulty ||
		got.NetworkDifficulty != want.NetworkDifficulty ||
		got.SolutionHeight != want.SolutionHeight ||
		string(got.SolutionHash) != string(want.SolutionHash) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	want := FromShare(sampleShare())

	data := EncodeBinary(want)
	got, err := DecodeBinary(data)
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	if got.PoolID != want.PoolID || got.WorkerName != want.WorkerName ||
		got.MinerAddress != want.MinerAddress || got.Height != want.Height ||
		got.IsBlockCandidate != want.IsBlockCandidate ||
		got.ClaimedDifficulty != want.ClaimedDifficulty ||
		got.ActualDifficulty != want.ActualDifficulty ||
		got.NetworkDifficulty != want.NetworkDifficulty ||
		got.SolutionHeight != want.SolutionHeight ||
		string(got.SolutionHash) != string(want.SolutionHash) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestBinaryRoundTripOmitsEmptyOptionalFields(t *testing.T) {
	w := ShareWire{PoolID: "p1", WorkerName: "w1", Height: 1}
	data := EncodeBinary(w)
	got, err := DecodeBinary(data)
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	if got.MinerAddress != "" || len(got.SolutionHash) != 0 || got.SolutionHeight != 0 {
		t.Fatalf("expected zero-valued optional fields, got %+v", got)
	}
}

func TestDecodeBinaryRejectsUnknownTag(t *testing.T) {
	if _, err := DecodeBinary([]byte{0xff}); err == nil {
		t.Fatal("expected error for unknown field tag")
	}
}

func TestDecodeBinaryRejectsTruncatedField(t *testing.T) {
	buf := []byte{tagPoolID, 0x00, 0x05, 'a', 'b'} // length prefix claims 5 bytes, only 2 present
	if _, err := DecodeBinary(buf); err == nil {
		t.Fatal("expected error for truncated field body")
	}
}

func TestFromShareProjectsSolutionFields(t *testing.T) {
	share := sampleShare()
	w := FromShare(share)
	if string(w.SolutionHash) != string(share.Solution.Hash) {
		t.Fatalf("solution hash not projected: got %x want %x", w.SolutionHash, share.Solution.Hash)
	}
	if w.SolutionHeight != share.Solution.HeightHint {
		t.Fatalf("solution height not projected: got %d want %d", w.SolutionHeight, share.Solution.HeightHint)
	}
}
