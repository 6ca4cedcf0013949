package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

const (
	// 长度字段大小：外层长度与类型名长度均为4字节小端
	LengthFieldSize = 4
	// 帧头长度：外层长度(4字节) + 类型名长度(4字节)
	FrameHeaderSize = 2 * LengthFieldSize
	// 最大帧大小限制（防止内存攻击）
	MaxFrameSize = 16 * 1024 * 1024 // 16MB
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrEndOfStream    = errors.New("end of stream")
)

// Frame 表示一个完整的协议帧
type Frame struct {
	TypeName string // 全限定类型名，如 FaceReaderAPI.Messages.ActionMessage
	Payload  []byte // UTF-8 XML
}

// EncodeFrame 将类型名和XML负载编码为二进制帧
// 帧格式: | outer_len(4字节) | type_len(4字节) | type_name | xml |
// outer_len 包含自身的4字节
func EncodeFrame(typeName string, payload []byte) []byte {
	frameSize := FrameHeaderSize + len(typeName) + len(payload)
	buf := make([]byte, frameSize)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(frameSize))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(typeName)))
	copy(buf[8:], typeName)
	copy(buf[8+len(typeName):], payload)

	return buf
}

// DecodeFrame 从一段完整的二进制数据中解码帧，raw 必须恰好是一个帧
func DecodeFrame(raw []byte) (*Frame, error) {
	if len(raw) < FrameHeaderSize {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d",
			ErrMalformedFrame, FrameHeaderSize, len(raw))
	}

	outerLen := binary.LittleEndian.Uint32(raw[0:4])
	if int64(outerLen) != int64(len(raw)) {
		return nil, fmt.Errorf("%w: declared %d bytes, got %d",
			ErrMalformedFrame, outerLen, len(raw))
	}

	return decodeMessage(raw[LengthFieldSize:])
}

// ReadFrame 从数据流中读取恰好一个帧
// 在读到任何头部字节之前流关闭返回 ErrEndOfStream，其余违规均返回 ErrMalformedFrame
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [LengthFieldSize]byte
	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if n == 0 {
			return nil, fmt.Errorf("%w: %w", ErrEndOfStream, err)
		}
		return nil, fmt.Errorf("%w: truncated header: %w", ErrMalformedFrame, err)
	}

	outerLen := binary.LittleEndian.Uint32(header[:])
	if outerLen < FrameHeaderSize {
		return nil, fmt.Errorf("%w: outer length %d below minimum %d",
			ErrMalformedFrame, outerLen, FrameHeaderSize)
	}
	if outerLen > MaxFrameSize {
		return nil, fmt.Errorf("%w: outer length %d exceeds limit %d",
			ErrMalformedFrame, outerLen, MaxFrameSize)
	}

	// io.ReadFull 会循环处理部分读取
	message := make([]byte, outerLen-LengthFieldSize)
	if _, err := io.ReadFull(r, message); err != nil {
		return nil, fmt.Errorf("%w: stream ended mid-frame: %w", ErrMalformedFrame, err)
	}

	return decodeMessage(message)
}

// decodeMessage 解析 type_len | type_name | xml 部分
func decodeMessage(message []byte) (*Frame, error) {
	if len(message) < LengthFieldSize {
		return nil, fmt.Errorf("%w: missing type length", ErrMalformedFrame)
	}

	typeLen := binary.LittleEndian.Uint32(message[0:4])
	rest := message[LengthFieldSize:]
	if int64(typeLen) > int64(len(rest)) {
		return nil, fmt.Errorf("%w: type length %d exceeds remaining %d bytes",
			ErrMalformedFrame, typeLen, len(rest))
	}

	payload := make([]byte, len(rest)-int(typeLen))
	copy(payload, rest[typeLen:])
	if err := checkWellFormed(payload); err != nil {
		return nil, err
	}

	return &Frame{
		TypeName: string(rest[:typeLen]),
		Payload:  payload,
	}, nil
}

// checkWellFormed 完整扫描一遍XML，负载必须是带根元素的合法文档
func checkWellFormed(payload []byte) error {
	decoder := newXMLDecoder(payload)
	hasRoot := false
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: xml: %w", ErrMalformedFrame, err)
		}
		if _, ok := token.(xml.StartElement); ok {
			hasRoot = true
		}
	}
	if !hasRoot {
		return fmt.Errorf("%w: no root element", ErrMalformedFrame)
	}
	return nil
}

// Size 返回该帧编码后的字节数
func (f *Frame) Size() int {
	return FrameHeaderSize + len(f.TypeName) + len(f.Payload)
}

// Encode 重新编码该帧
func (f *Frame) Encode() []byte {
	return EncodeFrame(f.TypeName, f.Payload)
}

// Root 返回XML负载的根元素名
func (f *Frame) Root() (string, error) {
	decoder := newXMLDecoder(f.Payload)
	for {
		token, err := decoder.Token()
		if err != nil {
			return "", fmt.Errorf("%w: no root element: %w", ErrMalformedFrame, err)
		}
		if start, ok := token.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

// unmarshal 将负载解析到 v，解析失败视为帧格式错误
func (f *Frame) unmarshal(v interface{}) error {
	if err := newXMLDecoder(f.Payload).Decode(v); err != nil {
		return fmt.Errorf("%w: xml: %w", ErrMalformedFrame, err)
	}
	return nil
}

// newXMLDecoder 创建XML解码器
// 引擎的序列化器声明 encoding="utf-16"，但线上字节始终是UTF-8，按原样读取
func newXMLDecoder(payload []byte) *xml.Decoder {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	decoder.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	return decoder
}
