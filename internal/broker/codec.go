// codec.go decodes the market-data stream's binary frames.
//
// A websocket binary message packs one or more ticks:
//
//	u16  frame count
//	then per frame:
//	  u16  instrument token length
//	  [n]  instrument token bytes
//	  f64  last traded price
//	  f64  best bid (0 in LTP-only mode)
//	  f64  best ask (0 in LTP-only mode)
//	  u32  volume
//	  i64  exchange timestamp, unix milliseconds
//
// All integers and float bit patterns are big-endian. The encoder exists for
// the feed tests and the paper-trading harness.
package broker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"niftystrategist/pkg/types"
)

// DecodeTicks parses one binary feed message into ticks.
func DecodeTicks(data []byte) ([]types.Tick, error) {
	buf := bytes.NewReader(data)

	var count uint16
	if err := binary.Read(buf, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("tick frame count: %w", err)
	}

	ticks := make([]types.Tick, 0, count)
	for i := 0; i < int(count); i++ {
		var tokenLen uint16
		if err := binary.Read(buf, binary.BigEndian, &tokenLen); err != nil {
			return nil, fmt.Errorf("tick %d token length: %w", i, err)
		}
		token := make([]byte, tokenLen)
		if _, err := io.ReadFull(buf, token); err != nil {
			return nil, fmt.Errorf("tick %d token: %w", i, err)
		}

		var ltpBits, bidBits, askBits uint64
		var volume uint32
		var tsMillis int64
		for _, dst := range []any{&ltpBits, &bidBits, &askBits, &volume, &tsMillis} {
			if err := binary.Read(buf, binary.BigEndian, dst); err != nil {
				return nil, fmt.Errorf("tick %d fields: %w", i, err)
			}
		}

		ticks = append(ticks, types.Tick{
			InstrumentToken: string(token),
			LTP:             math.Float64frombits(ltpBits),
			Bid:             math.Float64frombits(bidBits),
			Ask:             math.Float64frombits(askBits),
			Volume:          volume,
			Timestamp:       time.UnixMilli(tsMillis),
		})
	}
	return ticks, nil
}

// EncodeTicks packs ticks into one binary feed message.
func EncodeTicks(ticks []types.Tick) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(len(ticks)))
	for _, t := range ticks {
		binary.Write(&buf, binary.BigEndian, uint16(len(t.InstrumentToken)))
		buf.WriteString(t.InstrumentToken)
		binary.Write(&buf, binary.BigEndian, math.Float64bits(t.LTP))
		binary.Write(&buf, binary.BigEndian, math.Float64bits(t.Bid))
		binary.Write(&buf, binary.BigEndian, math.Float64bits(t.Ask))
		binary.Write(&buf, binary.BigEndian, t.Volume)
		binary.Write(&buf, binary.BigEndian, t.Timestamp.UnixMilli())
	}
	return buf.Bytes()
}
