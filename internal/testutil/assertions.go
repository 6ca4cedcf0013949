package testutil

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"FaceReaderBridge/internal/aggregate"
	"FaceReaderBridge/internal/testserver"
)

// TestAssertions 测试断言助手
type TestAssertions struct {
	t *testing.T
}

// NewTestAssertions 创建测试断言助手
func NewTestAssertions(t *testing.T) *TestAssertions {
	return &TestAssertions{t: t}
}

// AssertSummaryBatch 断言单批汇总：非空、按 (timestamp, frame) 有序、字段合法
func (ta *TestAssertions) AssertSummaryBatch(batch []aggregate.EmotionSummary) {
	ta.t.Helper()

	assert.NotEmpty(ta.t, batch, "Empty batch should not be pushed")
	for i, summary := range batch {
		assert.True(ta.t, aggregate.IsEmotionLabel(summary.Emotion), "Unknown emotion %q", summary.Emotion)
		assert.False(ta.t, math.IsNaN(summary.Intensity) || math.IsInf(summary.Intensity, 0),
			"Non-finite intensity in frame %d", summary.Frame)

		if i == 0 {
			continue
		}
		prev := batch[i-1]
		ordered := prev.Timestamp < summary.Timestamp ||
			(prev.Timestamp == summary.Timestamp && prev.Frame <= summary.Frame)
		assert.True(ta.t, ordered, "Batch out of order at index %d", i)
	}
}

// AssertNoDuplicateFrames 断言同一帧只出现在一次推送里
func (ta *TestAssertions) AssertNoDuplicateFrames(batches [][]aggregate.EmotionSummary) {
	ta.t.Helper()

	seen := make(map[int64]int)
	for i, batch := range batches {
		for _, summary := range batch {
			if first, ok := seen[summary.Frame]; ok {
				assert.Fail(ta.t, "Duplicate frame", "frame %d pushed in batch %d and %d", summary.Frame, first, i)
				continue
			}
			seen[summary.Frame] = i
		}
	}
}

// AssertActionCount 断言引擎收到某类命令的次数
func (ta *TestAssertions) AssertActionCount(engine *testserver.EngineServer, actionType string, expected int) {
	ta.t.Helper()

	actual := engine.CountActions(actionType)
	assert.Equal(ta.t, expected, actual, "Unexpected %s count", actionType)
}

// AssertActionIDs 断言所有命令都携带给定的消息ID
func (ta *TestAssertions) AssertActionIDs(engine *testserver.EngineServer, id string) {
	ta.t.Helper()

	for _, action := range engine.ReceivedActions() {
		assert.Equal(ta.t, id, action.ID, "Unexpected Id on %s", action.ActionType)
	}
}
