package common

import (
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

type failingReader struct {
	fails  int
	reader io.Reader
}

func (f *failingReader) Read(p []byte) (n int, err error) {
	if f.fails > 0 {
		f.fails -= 1
		return 0, errors.New("no data for you yet")
	} else {
		return f.reader.Read(p)
	}
}

func TestRandRead(t *testing.T) {
	failer := &failingReader{
		fails:  3,
		reader: rand.New(rand.NewSource(0)),
	}
	readBuf := make([]byte, 10)
	RandRead(failer, readBuf)
	assert.NotEqual(t, [10]byte{}, readBuf)
}

func TestCryptoRandUint32(t *testing.T) {
	seen := map[uint32]bool{}
	for i := 0; i < 16; i++ {
		seen[CryptoRandUint32()] = true
	}
	assert.Greater(t, len(seen), 1)
}
