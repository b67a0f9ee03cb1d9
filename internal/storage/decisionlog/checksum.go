package decisionlog

import (
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/phase-pilot/pkg/types"
)

// CalculateChecksum returns the CRC32-IEEE checksum over every field of rec
// except Checksum itself. Payload keys are sorted so the result does not
// depend on map order.
func CalculateChecksum(rec types.DecisionRecord) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(rec.Seq, 10))
	b.WriteByte('|')
	b.WriteString(rec.ID)
	b.WriteByte('|')
	b.WriteString(rec.Timestamp.UTC().Format(time.RFC3339Nano))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(rec.Tick, 10))
	b.WriteByte('|')
	b.WriteString(string(rec.Kind))
	b.WriteByte('|')
	b.WriteString(string(rec.Phase))
	b.WriteByte('|')
	b.WriteString(string(rec.Worker))
	b.WriteByte('|')
	b.WriteString(rec.Rationale)

	keys := make([]string, 0, len(rec.Payload))
	for k := range rec.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(rec.Payload[k])
	}

	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum reports whether rec carries its own checksum.
func VerifyChecksum(rec types.DecisionRecord) error {
	expected := CalculateChecksum(rec)
	if rec.Checksum != expected {
		return &ChecksumError{Seq: rec.Seq, Expected: expected, Actual: rec.Checksum}
	}
	return nil
}
