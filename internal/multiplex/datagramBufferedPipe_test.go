package multiplex

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatagramBuffer_RW(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03}
	t.Run("simple write", func(t *testing.T) {
		pipe := NewDatagramBufferedPipe(0)
		assert.NoError(t, pipe.Write(b))
		assert.Equal(t, 1, pipe.Len())
	})

	t.Run("simple read", func(t *testing.T) {
		pipe := NewDatagramBufferedPipe(0)
		_ = pipe.Write(b)
		b2 := make([]byte, len(b))
		n, err := pipe.Read(b2)
		assert.NoError(t, err)
		assert.Equal(t, len(b), n)
		assert.Equal(t, b, b2)
		assert.Equal(t, 0, pipe.buf.Len(), "buf len is not 0 after finished reading")
	})

	t.Run("messages keep their boundaries", func(t *testing.T) {
		pipe := NewDatagramBufferedPipe(0)
		_ = pipe.Write([]byte("first"))
		_ = pipe.Write([]byte{})
		_ = pipe.Write([]byte("third"))

		msg, err := pipe.ReadMessage()
		assert.NoError(t, err)
		assert.Equal(t, "first", string(msg))
		msg, err = pipe.ReadMessage()
		assert.NoError(t, err)
		assert.Empty(t, msg)
		msg, err = pipe.ReadMessage()
		assert.NoError(t, err)
		assert.Equal(t, "third", string(msg))
	})

	t.Run("short buffer", func(t *testing.T) {
		pipe := NewDatagramBufferedPipe(0)
		_ = pipe.Write(b)
		_, err := pipe.Read(make([]byte, 2))
		assert.Equal(t, io.ErrShortBuffer, err)
		// the message is still there
		msg, err := pipe.ReadMessage()
		assert.NoError(t, err)
		assert.Equal(t, b, msg)
	})
}

func TestDatagramBuffer_BlockingRead(t *testing.T) {
	pipe := NewDatagramBufferedPipe(0)
	b := []byte{0x01, 0x02, 0x03}
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = pipe.Write(b)
	}()
	msg, err := pipe.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, b, msg)
}

func TestDatagramBuffer_CloseThenRead(t *testing.T) {
	pipe := NewDatagramBufferedPipe(0)
	b := []byte{0x01, 0x02, 0x03}
	_ = pipe.Write(b)
	require.NoError(t, pipe.Close())

	msg, err := pipe.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, b, msg)

	_, err = pipe.ReadMessage()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, io.ErrClosedPipe, pipe.Write(b))
}

func TestDatagramBuffer_ReadDeadline(t *testing.T) {
	pipe := NewDatagramBufferedPipe(0)
	pipe.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	start := time.Now()
	_, err := pipe.ReadMessage()
	assert.Equal(t, ErrTimeout, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestDatagramBuffer_Full(t *testing.T) {
	pipe := NewDatagramBufferedPipe(10)
	require.NoError(t, pipe.Write(make([]byte, 6)))
	require.NoError(t, pipe.Write(make([]byte, 4)))
	assert.Equal(t, ErrReceiveBufferFull, pipe.Write([]byte{1}))
	assert.Equal(t, 2, pipe.Len())

	_, err := pipe.ReadMessage()
	require.NoError(t, err)
	assert.NoError(t, pipe.Write([]byte{1}))

	t.Run("oversized message into an empty pipe", func(t *testing.T) {
		pipe := NewDatagramBufferedPipe(10)
		assert.NoError(t, pipe.Write(make([]byte, 100)))
		assert.Equal(t, ErrReceiveBufferFull, pipe.Write([]byte{1}))
	})
}
