package protocol

import (
	"encoding/xml"
	"fmt"
)

// 分类值类型
const (
	ClassificationTypeValue = "Value"
	ClassificationTypeState = "State"
)

// Classification 引擎推送的逐帧分类结果
// FrameNumber/FrameTimeTicks 缺失时为 nil，由调用方决定哨兵值
type Classification struct {
	XMLName        xml.Name              `xml:"Classification"`
	FrameNumber    *string               `xml:"FrameNumber"`
	FrameTimeTicks *string               `xml:"FrameTimeTicks"`
	Values         []ClassificationValue `xml:"ClassificationValue"`
	Wrapped        []ClassificationValue `xml:"ClassificationValues>ClassificationValue"`
}

// ClassificationValue 单个分类值
type ClassificationValue struct {
	Label *string  `xml:"Label"`
	Type  string   `xml:"Type"`
	Value []string `xml:"Value>float"`
	State []string `xml:"State>string"`
}

// AllValues 按文档顺序返回全部分类值（直接子元素在前，ClassificationValues 包裹的在后）
func (c *Classification) AllValues() []ClassificationValue {
	if len(c.Wrapped) == 0 {
		return c.Values
	}
	all := make([]ClassificationValue, 0, len(c.Values)+len(c.Wrapped))
	all = append(all, c.Values...)
	return append(all, c.Wrapped...)
}

// Classification 将帧负载解码为分类结果
func (f *Frame) Classification() (*Classification, error) {
	root, err := f.Root()
	if err != nil {
		return nil, err
	}
	if root != RootClassification {
		return nil, fmt.Errorf("%w: expected %s root, got %s", ErrMalformedFrame, RootClassification, root)
	}

	var c Classification
	if err := f.unmarshal(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// EncodeClassification 将分类结果编码为线上帧（供引擎模拟器使用）
func EncodeClassification(c *Classification) ([]byte, error) {
	body, err := xml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal classification failed: %w", err)
	}
	return EncodeFrame(TypeClassification, append([]byte(xml.Header), body...)), nil
}

// NumericValue 构造一个数值型分类值
func NumericValue(label string, value string) ClassificationValue {
	return ClassificationValue{
		Label: &label,
		Type:  ClassificationTypeValue,
		Value: []string{value},
	}
}

// StateValue 构造一个状态型分类值
func StateValue(label string, state string) ClassificationValue {
	return ClassificationValue{
		Label: &label,
		Type:  ClassificationTypeState,
		State: []string{state},
	}
}
