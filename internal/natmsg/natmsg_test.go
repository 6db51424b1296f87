package natmsg

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, map[string]string{"type": "GET_STATE"}))

	var got map[string]string
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, "GET_STATE", got["type"])
}

func TestReadFrameEOF(t *testing.T) {
	var v any
	err := ReadFrame(bytes.NewReader(nil), &v)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(MaxFrame+1)))

	var v any
	err := ReadFrame(&buf, &v)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(100)))
	buf.WriteString("short")

	var v any
	assert.Error(t, ReadFrame(&buf, &v))
}

func TestServe(t *testing.T) {
	var in bytes.Buffer
	require.NoError(t, WriteFrame(&in, map[string]string{"type": "PING"}))
	require.NoError(t, WriteFrame(&in, map[string]string{"type": "PING"}))

	var out bytes.Buffer
	n := 0
	err := Serve(context.Background(), &in, &out, func(_ context.Context, req json.RawMessage) any {
		n++
		return map[string]any{"success": true, "n": n}
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var first, second map[string]any
	require.NoError(t, ReadFrame(&out, &first))
	require.NoError(t, ReadFrame(&out, &second))
	assert.Equal(t, float64(1), first["n"])
	assert.Equal(t, float64(2), second["n"])
}
