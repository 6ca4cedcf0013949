package protocol

import (
	"encoding/xml"
	"errors"
	"fmt"
)

// 类型名定义 - 帧头中的全限定类型名
const (
	TypeActionMessage   = "FaceReaderAPI.Messages.ActionMessage"
	TypeClassification  = "FaceReaderAPI.Messages.Classification"
	TypeResponseMessage = "FaceReaderAPI.Messages.ResponseMessage"
)

// 动作类型定义 - ActionMessage 的 ActionType 字段
const (
	ActionStartAnalyzing          = "FaceReader_Start_Analyzing"
	ActionStopAnalyzing           = "FaceReader_Stop_Analyzing"
	ActionStartDetailedLogSending = "FaceReader_Start_DetailedLogSending"
	ActionStopDetailedLogSending  = "FaceReader_Stop_DetailedLogSending"
)

// 根元素名
const (
	RootActionMessage   = "ActionMessage"
	RootClassification  = "Classification"
	RootResponseMessage = "ResponseMessage"
)

const (
	xsiNamespace = "http://www.w3.org/2001/XMLSchema-instance"
	xsdNamespace = "http://www.w3.org/2001/XMLSchema"
)

var ErrEmptyAction = errors.New("action type is empty")

// ActionCommand 发往引擎的动作命令
type ActionCommand struct {
	ActionType  string
	ID          string
	Information []string
}

// actionMessage ActionMessage 的XML结构
type actionMessage struct {
	XMLName     xml.Name     `xml:"ActionMessage"`
	XSI         string       `xml:"xmlns:xsi,attr,omitempty"`
	XSD         string       `xml:"xmlns:xsd,attr,omitempty"`
	ID          string       `xml:"Id"`
	ActionType  string       `xml:"ActionType"`
	Information *information `xml:"Information,omitempty"`
}

type information struct {
	Strings []string `xml:"string"`
}

// MarshalAction 将动作命令序列化为 ActionMessage XML（含XML声明）
func MarshalAction(cmd ActionCommand) ([]byte, error) {
	if cmd.ActionType == "" {
		return nil, ErrEmptyAction
	}

	msg := actionMessage{
		XSI:        xsiNamespace,
		XSD:        xsdNamespace,
		ID:         cmd.ID,
		ActionType: cmd.ActionType,
	}
	if len(cmd.Information) > 0 {
		msg.Information = &information{Strings: cmd.Information}
	}

	body, err := xml.MarshalIndent(msg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal action message failed: %w", err)
	}

	return append([]byte(xml.Header), body...), nil
}

// EncodeAction 将动作命令编码为完整的线上帧
func EncodeAction(cmd ActionCommand) ([]byte, error) {
	body, err := MarshalAction(cmd)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(TypeActionMessage, body), nil
}

// Action 将帧负载解码为动作命令
func (f *Frame) Action() (ActionCommand, error) {
	var msg actionMessage
	if err := f.unmarshal(&msg); err != nil {
		return ActionCommand{}, err
	}

	cmd := ActionCommand{
		ActionType: msg.ActionType,
		ID:         msg.ID,
	}
	if msg.Information != nil {
		cmd.Information = msg.Information.Strings
	}
	return cmd, nil
}

// responseMessage 引擎对命令的应答
type responseMessage struct {
	XMLName     xml.Name     `xml:"ResponseMessage"`
	ID          string       `xml:"Id"`
	Information *information `xml:"Information,omitempty"`
}

// EncodeResponse 编码一个应答帧（供引擎模拟器使用）
func EncodeResponse(id string, info ...string) ([]byte, error) {
	msg := responseMessage{ID: id}
	if len(info) > 0 {
		msg.Information = &information{Strings: info}
	}
	body, err := xml.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal response message failed: %w", err)
	}
	return EncodeFrame(TypeResponseMessage, append([]byte(xml.Header), body...)), nil
}

// ActionTypeToString 将动作类型转换为简短可读字符串，用于调试和日志
func ActionTypeToString(action string) string {
	switch action {
	case ActionStartAnalyzing:
		return "START_ANALYZING"
	case ActionStopAnalyzing:
		return "STOP_ANALYZING"
	case ActionStartDetailedLogSending:
		return "START_DETAILED_LOG"
	case ActionStopDetailedLogSending:
		return "STOP_DETAILED_LOG"
	default:
		return "UNKNOWN"
	}
}

// IsValidActionType 检查动作类型是否为已知类型
func IsValidActionType(action string) bool {
	switch action {
	case ActionStartAnalyzing, ActionStopAnalyzing,
		ActionStartDetailedLogSending, ActionStopDetailedLogSending:
		return true
	default:
		return false
	}
}
