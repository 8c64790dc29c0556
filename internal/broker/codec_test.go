package broker

import (
	"testing"
	"time"

	"niftystrategist/pkg/types"
)

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	in := []types.Tick{
		{InstrumentToken: "tok-rel", LTP: 2450.55, Bid: 2450.50, Ask: 2450.60, Volume: 1200, Timestamp: ts},
		{InstrumentToken: "t", LTP: 99.95, Volume: 0, Timestamp: ts.Add(250 * time.Millisecond)},
	}

	out, err := DecodeTicks(EncodeTicks(in))
	if err != nil {
		t.Fatalf("DecodeTicks: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d ticks, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].InstrumentToken != in[i].InstrumentToken ||
			out[i].LTP != in[i].LTP ||
			out[i].Bid != in[i].Bid ||
			out[i].Ask != in[i].Ask ||
			out[i].Volume != in[i].Volume {
			t.Fatalf("tick %d mismatch: %+v != %+v", i, out[i], in[i])
		}
		if !out[i].Timestamp.Equal(in[i].Timestamp) {
			t.Fatalf("tick %d timestamp %v != %v", i, out[i].Timestamp, in[i].Timestamp)
		}
	}
}

func TestDecodeEmptyMessage(t *testing.T) {
	t.Parallel()

	out, err := DecodeTicks(EncodeTicks(nil))
	if err != nil {
		t.Fatalf("DecodeTicks: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("got %d ticks from empty message", len(out))
	}
}

func TestDecodeTruncatedFrame(t *testing.T) {
	t.Parallel()

	data := EncodeTicks([]types.Tick{
		{InstrumentToken: "tok", LTP: 100, Timestamp: time.Now()},
	})

	if _, err := DecodeTicks(data[:len(data)-4]); err == nil {
		t.Fatal("decoded a truncated frame without error")
	}
	if _, err := DecodeTicks(nil); err == nil {
		t.Fatal("decoded an empty buffer without error")
	}
}
