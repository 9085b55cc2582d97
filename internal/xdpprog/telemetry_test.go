package xdpprog

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeVerdictEvent(t *testing.T) {
	raw := make([]byte, 12)
	binary.LittleEndian.PutUint32(raw[0:4], 3)
	raw[4] = 1
	binary.LittleEndian.PutUint16(raw[8:10], 8001)

	ev, ok := decode(raw)
	assert.True(t, ok)
	assert.Equal(t, uint32(3), ev.RxQueueIndex)
	assert.Equal(t, uint8(1), ev.Action)
	assert.Equal(t, uint16(8001), ev.DstPort)
}

func TestDecodeTooShort(t *testing.T) {
	_, ok := decode(make([]byte, 4))
	assert.False(t, ok)
}

func TestNewTelemetryReaderRejectsNilSink(t *testing.T) {
	_, err := NewTelemetryReader(nil)
	assert.Error(t, err)
}
