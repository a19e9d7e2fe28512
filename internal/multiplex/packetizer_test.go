package multiplex

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, p *Packetizer) []*Frame {
	var frames []*Frame
	for {
		f, err := p.Next()
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func TestPacketizer_TenFrames(t *testing.T) {
	data := make([]byte, 10000)
	rand.Read(data)

	p := NewPacketizer(bytes.NewReader(data), 1000, 4, ServiceBulkData)
	frames := drain(t, p)
	require.Len(t, frames, 10)

	assert.Equal(t, FrameFirst, frames[0].Type)
	for _, f := range frames[1:9] {
		assert.Equal(t, FrameConsecutive, f.Type)
	}
	assert.Equal(t, FrameLast, frames[9].Type)

	var joined []byte
	for i, f := range frames {
		assert.Len(t, f.Payload, 1000)
		assert.EqualValues(t, i, f.Info)
		assert.EqualValues(t, 4, f.SessionID)
		assert.Equal(t, ServiceBulkData, f.Service)
		joined = append(joined, f.Payload...)
	}
	assert.Equal(t, data, joined)
	assert.EqualValues(t, 10000, p.BytesSent())
}

func TestPacketizer_Completeness(t *testing.T) {
	for _, size := range []int{0, 1, 999, 1000, 1001, 2000, 2001, 12345} {
		for _, maxFrame := range []int{1, 7, 1000} {
			if size/maxFrame > 5000 {
				continue
			}
			data := make([]byte, size)
			rand.Read(data)

			frames := drain(t, NewPacketizer(bytes.NewReader(data), maxFrame, 1, ServiceRPC))
			require.NotEmpty(t, frames)

			var joined []byte
			for i, f := range frames {
				assert.LessOrEqual(t, len(f.Payload), maxFrame)
				switch {
				case len(frames) == 1:
					assert.Equal(t, FrameSingle, f.Type)
				case i == 0:
					assert.Equal(t, FrameFirst, f.Type)
				case i == len(frames)-1:
					assert.Equal(t, FrameLast, f.Type)
				default:
					assert.Equal(t, FrameConsecutive, f.Type)
				}
				joined = append(joined, f.Payload...)
			}
			assert.True(t, bytes.Equal(data, joined), "size %v max frame %v", size, maxFrame)
		}
	}
}

func TestPacketizer_UnknownLengthSource(t *testing.T) {
	data := make([]byte, 2500)
	rand.Read(data)
	// hands out one byte per Read, as a slow stream would
	src := iotest.OneByteReader(bytes.NewReader(data))

	frames := drain(t, NewPacketizer(src, 1000, 1, ServiceVideo))
	require.Len(t, frames, 3)
	assert.Equal(t, FrameFirst, frames[0].Type)
	assert.Equal(t, FrameConsecutive, frames[1].Type)
	assert.Equal(t, FrameLast, frames[2].Type)
	assert.Len(t, frames[2].Payload, 500)
}

func TestPacketizer_Options(t *testing.T) {
	data := make([]byte, 30)
	frames := drain(t, NewPacketizer(bytes.NewReader(data), 10, 2, ServiceAudio,
		SeqBase(254), WithVersion(VersionStandard), WithMessageID(77)))
	require.Len(t, frames, 3)
	assert.EqualValues(t, 254, frames[0].Info)
	assert.EqualValues(t, 255, frames[1].Info)
	assert.EqualValues(t, 0, frames[2].Info)
	for _, f := range frames {
		assert.Equal(t, VersionStandard, f.Version)
		assert.EqualValues(t, 77, f.MessageID)
	}
}

func TestPacketizer_Cancel(t *testing.T) {
	p := NewPacketizer(bytes.NewReader(make([]byte, 5000)), 1000, 1, ServiceBulkData)
	_, err := p.Next()
	require.NoError(t, err)
	p.Cancel()
	_, err = p.Next()
	assert.Equal(t, ErrPacketizerCancelled, err)
	assert.EqualValues(t, 1000, p.BytesSent())
}

func TestPacketizer_SourceError(t *testing.T) {
	failing := io.MultiReader(bytes.NewReader(make([]byte, 1500)), iotest.ErrReader(errors.New("disk on fire")))
	p := NewPacketizer(failing, 1000, 1, ServiceBulkData)
	f, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameFirst, f.Type)
	_, err = p.Next()
	assert.EqualError(t, err, "disk on fire")
}
