package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	original := []byte("account payload data that compresses reasonably well well well")
	compressed, err := compress(original)
	require.NoError(t, err)
	assert.NotEmpty(t, compressed)

	decompressed, err := decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, original, decompressed)
}

func TestCompressProducesSmallerOutputForRepetitiveData(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = 'a'
	}
	compressed, err := compress(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data))
}
