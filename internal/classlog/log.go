package classlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"FaceReaderBridge/internal/protocol"
)

// Kind 分类值类型
type Kind string

const (
	KindValue Kind = protocol.ClassificationTypeValue
	KindState Kind = protocol.ClassificationTypeState
)

const (
	// Unknown 帧号或帧时间缺失时的哨兵值
	Unknown int64 = -1
	// 文件中表示未知的占位符
	unknownField = "?"
)

var (
	ErrNotClassification = errors.New("frame is not a classification")
	ErrClosed            = errors.New("classification log is closed")
)

// Header 日志文件的列
var Header = []string{"frame", "frame_time_ticks", "label", "kind", "value", "received_at"}

// Row 一条分类记录
type Row struct {
	FrameNumber    int64
	FrameTimeTicks int64
	Label          string
	Kind           Kind
	Value          float64 // Kind == KindValue
	State          string  // Kind == KindState
	ReceivedAt     time.Time
}

// Option 日志选项
type Option func(*Log)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// WithSync 每帧写入后是否 fsync
func WithSync(enabled bool) Option {
	return func(l *Log) {
		l.sync = enabled
	}
}

// Log 单个会话的只追加分类日志
type Log struct {
	path   string
	file   *os.File
	writer *csv.Writer
	now    func() time.Time
	sync   bool

	mu     sync.Mutex
	rows   int64
	frames int64
	closed bool
}

// FileName 由会话开始时间确定性地生成文件名
func FileName(start time.Time) string {
	return fmt.Sprintf("data_%d.csv", start.UnixMilli())
}

// Open 在 dir 下为新会话创建日志文件，文件已存在时失败
func Open(dir string, start time.Time, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir failed: %w", err)
	}

	path := filepath.Join(dir, FileName(start))
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create session log failed: %w", err)
	}

	l := &Log{
		path:   path,
		file:   file,
		writer: csv.NewWriter(file),
		now:    time.Now,
		sync:   true,
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.writeRecord(Header); err != nil {
		file.Close()
		return nil, err
	}

	return l, nil
}

// Path 返回日志文件路径
func (l *Log) Path() string {
	return l.path
}

// Append 解析一个 Classification 帧，逐值写入并返回生成的记录
func (l *Log) Append(frame *protocol.Frame) ([]Row, error) {
	root, err := frame.Root()
	if err != nil {
		return nil, err
	}
	if root != protocol.RootClassification {
		return nil, fmt.Errorf("%w: root %s", ErrNotClassification, root)
	}

	classification, err := frame.Classification()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	rows := Rows(classification, l.now())
	for _, row := range rows {
		if err := l.writeRecord(encodeRow(row)); err != nil {
			return nil, err
		}
		l.rows++
	}
	l.frames++

	if l.sync {
		if err := l.file.Sync(); err != nil {
			return rows, fmt.Errorf("sync session log failed: %w", err)
		}
	}

	return rows, nil
}

// Rows 将分类结果展开为记录
// Value 类型缺少可解析浮点数的值被丢弃，未知 Type 被忽略
func Rows(c *protocol.Classification, receivedAt time.Time) []Row {
	frame := parseIntField(c.FrameNumber)
	ticks := parseIntField(c.FrameTimeTicks)

	values := c.AllValues()
	rows := make([]Row, 0, len(values))
	for _, v := range values {
		label := unknownField
		if v.Label != nil {
			label = strings.TrimSpace(*v.Label)
		}

		row := Row{
			FrameNumber:    frame,
			FrameTimeTicks: ticks,
			Label:          label,
			ReceivedAt:     receivedAt,
		}

		switch strings.TrimSpace(v.Type) {
		case protocol.ClassificationTypeValue:
			if len(v.Value) == 0 {
				continue
			}
			f, ok := parseFloat(v.Value[0])
			if !ok {
				continue
			}
			row.Kind = KindValue
			row.Value = f
		case protocol.ClassificationTypeState:
			row.Kind = KindState
			if len(v.State) > 0 {
				row.State = strings.TrimSpace(v.State[0])
			}
		default:
			continue
		}

		rows = append(rows, row)
	}
	return rows
}

// Stats 返回已写入的帧数和记录数
func (l *Log) Stats() (frames, rows int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frames, l.rows
}

// Close 关闭日志文件，可重复调用
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	l.writer.Flush()
	flushErr := l.writer.Error()
	closeErr := l.file.Close()
	return errors.Join(flushErr, closeErr)
}

// writeRecord 写入一行并立即刷新到操作系统
func (l *Log) writeRecord(record []string) error {
	if err := l.writer.Write(record); err != nil {
		return fmt.Errorf("write session log failed: %w", err)
	}
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		return fmt.Errorf("flush session log failed: %w", err)
	}
	return nil
}

func encodeRow(row Row) []string {
	value := row.State
	if row.Kind == KindValue {
		value = strconv.FormatFloat(row.Value, 'f', -1, 64)
	}
	return []string{
		formatIntField(row.FrameNumber),
		formatIntField(row.FrameTimeTicks),
		row.Label,
		string(row.Kind),
		value,
		row.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ReadFile 读回日志文件，返回可用记录和被跳过的行数
func ReadFile(path string) ([]Row, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	var rows []Row
	skipped := 0
	first := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				skipped++
				continue
			}
			return rows, skipped, fmt.Errorf("read session log failed: %w", err)
		}

		if first {
			first = false
			if len(record) > 0 && record[0] == Header[0] {
				continue
			}
		}

		row, ok := decodeRow(record)
		if !ok {
			skipped++
			continue
		}
		rows = append(rows, row)
	}

	return rows, skipped, nil
}

func decodeRow(record []string) (Row, bool) {
	if len(record) != len(Header) {
		return Row{}, false
	}

	receivedAt, err := time.Parse(time.RFC3339Nano, record[5])
	if err != nil {
		return Row{}, false
	}

	row := Row{
		FrameNumber:    parseIntField(&record[0]),
		FrameTimeTicks: parseIntField(&record[1]),
		Label:          record[2],
		Kind:           Kind(record[3]),
		ReceivedAt:     receivedAt,
	}

	switch row.Kind {
	case KindValue:
		f, ok := parseFloat(record[4])
		if !ok {
			return Row{}, false
		}
		row.Value = f
	case KindState:
		row.State = record[4]
	default:
		return Row{}, false
	}
	return row, true
}

func parseIntField(s *string) int64 {
	if s == nil {
		return Unknown
	}
	n, err := strconv.ParseInt(strings.TrimSpace(*s), 10, 64)
	if err != nil || n < 0 {
		return Unknown
	}
	return n
}

func formatIntField(n int64) string {
	if n == Unknown {
		return unknownField
	}
	return strconv.FormatInt(n, 10)
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
