package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestActionRoundTrip 测试动作命令编码后可完整解码
func TestActionRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		cmd  ActionCommand
	}{
		{
			name: "start analyzing",
			cmd:  ActionCommand{ActionType: ActionStartAnalyzing, ID: "ID001"},
		},
		{
			name: "with information",
			cmd: ActionCommand{
				ActionType:  ActionStartDetailedLogSending,
				ID:          "b2f0c1",
				Information: []string{"first", "second & third"},
			},
		},
		{
			name: "empty id",
			cmd:  ActionCommand{ActionType: ActionStopAnalyzing},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeAction(tt.cmd)
			require.NoError(t, err)

			frame, err := ReadFrame(bytes.NewReader(raw))
			require.NoError(t, err)
			assert.Equal(t, TypeActionMessage, frame.TypeName)
			assert.Equal(t, len(raw), frame.Size())

			root, err := frame.Root()
			require.NoError(t, err)
			assert.Equal(t, RootActionMessage, root)

			decoded, err := frame.Action()
			require.NoError(t, err)
			assert.Equal(t, tt.cmd.ActionType, decoded.ActionType)
			assert.Equal(t, tt.cmd.ID, decoded.ID)
			assert.Equal(t, tt.cmd.Information, decoded.Information)
		})
	}
}

// TestActionWireLayout 测试帧头字段
func TestActionWireLayout(t *testing.T) {
	raw, err := EncodeAction(ActionCommand{ActionType: ActionStartAnalyzing, ID: "ID001"})
	require.NoError(t, err)

	outerLen := binary.LittleEndian.Uint32(raw[0:4])
	typeLen := binary.LittleEndian.Uint32(raw[4:8])

	assert.Equal(t, uint32(len(raw)), outerLen)
	assert.Equal(t, uint32(len(TypeActionMessage)), typeLen)
	assert.Equal(t, TypeActionMessage, string(raw[8:8+typeLen]))

	payload := string(raw[8+typeLen:])
	assert.True(t, strings.HasPrefix(payload, "<?xml"))
	assert.Contains(t, payload, "<ActionType>FaceReader_Start_Analyzing</ActionType>")
	assert.Contains(t, payload, "<Id>ID001</Id>")
	assert.Contains(t, payload, `xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"`)
	assert.NotContains(t, payload, "<Information>")
}

// TestEncodeActionRejectsEmptyType 测试空动作类型
func TestEncodeActionRejectsEmptyType(t *testing.T) {
	_, err := EncodeAction(ActionCommand{ID: "x"})
	assert.ErrorIs(t, err, ErrEmptyAction)
}

// TestReadFrameConsumesExactlyOneFrame 测试连续帧按 outer_len 精确切分
func TestReadFrameConsumesExactlyOneFrame(t *testing.T) {
	first, err := EncodeAction(ActionCommand{ActionType: ActionStartAnalyzing, ID: "1"})
	require.NoError(t, err)
	second, err := EncodeAction(ActionCommand{ActionType: ActionStopAnalyzing, ID: "2"})
	require.NoError(t, err)

	stream := bytes.NewReader(append(append([]byte{}, first...), second...))

	frame, err := ReadFrame(stream)
	require.NoError(t, err)
	cmd, err := frame.Action()
	require.NoError(t, err)
	assert.Equal(t, "1", cmd.ID)
	assert.Equal(t, len(second), stream.Len())

	frame, err = ReadFrame(stream)
	require.NoError(t, err)
	cmd, err = frame.Action()
	require.NoError(t, err)
	assert.Equal(t, "2", cmd.ID)

	_, err = ReadFrame(stream)
	assert.ErrorIs(t, err, ErrEndOfStream)
}

// TestReadFrameTruncatedAtEveryOffset 测试任意位置截断都只返回 EndOfStream 或 MalformedFrame
func TestReadFrameTruncatedAtEveryOffset(t *testing.T) {
	raw, err := EncodeAction(ActionCommand{ActionType: ActionStartDetailedLogSending, ID: "ID001"})
	require.NoError(t, err)

	for offset := 0; offset < len(raw); offset++ {
		_, err := ReadFrame(bytes.NewReader(raw[:offset]))
		require.Error(t, err, "offset %d", offset)

		if offset == 0 {
			assert.ErrorIs(t, err, ErrEndOfStream, "offset %d", offset)
		} else {
			assert.ErrorIs(t, err, ErrMalformedFrame, "offset %d", offset)
		}
	}
}

// TestFrameLengthViolations 测试长度字段异常
func TestFrameLengthViolations(t *testing.T) {
	header := func(outer, typeLen uint32) []byte {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint32(buf[0:4], outer)
		binary.LittleEndian.PutUint32(buf[4:8], typeLen)
		return buf
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"outer below header", header(7, 0)},
		{"outer zero", header(0, 0)},
		{"outer above limit", header(MaxFrameSize+1, 0)},
		{"type length exceeds frame", header(8, 1)},
		{"type length huge", append(header(12, 0xFFFFFFFF), 'a', 'b', 'c', 'd')},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

// TestDecodeFrame 测试整块解码
func TestDecodeFrame(t *testing.T) {
	raw := EncodeFrame("T", []byte("<a/>"))

	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, "T", frame.TypeName)
	assert.Equal(t, []byte("<a/>"), frame.Payload)
	assert.Equal(t, raw, frame.Encode())

	_, err = DecodeFrame(raw[:len(raw)-1])
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = DecodeFrame(append(raw, 0))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = DecodeFrame(raw[:3])
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

// TestEmptyPayloadRejected 测试没有XML负载的帧
func TestEmptyPayloadRejected(t *testing.T) {
	raw := EncodeFrame("", nil)
	require.Len(t, raw, FrameHeaderSize)

	_, err := ReadFrame(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	frame := &Frame{}
	_, err = frame.Root()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

// TestEmptyTypeName 测试类型名为空的最小帧
func TestEmptyTypeName(t *testing.T) {
	raw := EncodeFrame("", []byte("<a/>"))

	frame, err := ReadFrame(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Empty(t, frame.TypeName)
	assert.Equal(t, []byte("<a/>"), frame.Payload)
}

// TestDecodeFrameRejectsBrokenXML 测试负载不是合法XML时返回帧格式错误
func TestDecodeFrameRejectsBrokenXML(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not xml", "this is not xml <<<"},
		{"truncated body", "<ResponseMessage><Id>ID001</Id>\xff\xfe<broken"},
		{"unclosed root", "<Classification><FrameNumber>1</FrameNumber>"},
		{"mismatched tag", "<a><b></a>"},
		{"declaration only", `<?xml version="1.0" encoding="utf-16"?>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := EncodeFrame(TypeClassification, []byte(tt.payload))

			_, err := DecodeFrame(raw)
			assert.ErrorIs(t, err, ErrMalformedFrame)

			_, err = ReadFrame(bytes.NewReader(raw))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

// TestReadFrameReaderError 测试底层读取错误
func TestReadFrameReaderError(t *testing.T) {
	boom := errors.New("boom")
	_, err := ReadFrame(io.MultiReader(bytes.NewReader([]byte{1, 2}), errReader{boom}))
	assert.ErrorIs(t, err, ErrMalformedFrame)
	assert.ErrorIs(t, err, boom)
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
