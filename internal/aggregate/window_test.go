package aggregate

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FaceReaderBridge/internal/classlog"
)

func at(seconds float64) time.Time {
	return time.Unix(0, int64(seconds*float64(time.Second)))
}

func value(frame int64, label string, v float64, t float64) classlog.Row {
	return classlog.Row{
		FrameNumber: frame,
		Label:       label,
		Kind:        classlog.KindValue,
		Value:       v,
		ReceivedAt:  at(t),
	}
}

func ptr(v float64) *float64 { return &v }

func scenarioRows() []classlog.Row {
	return []classlog.Row{
		value(1, "Happy", 0.8, 10),
		value(1, "Sad", 0.2, 10),
		value(1, LabelValence, 0.5, 10),
		value(2, "Angry", 0.9, 11),
	}
}

// TestAggregateScenarioHalfOpen 测试上界开区间排除 end 时刻的帧
func TestAggregateScenarioHalfOpen(t *testing.T) {
	got := Aggregate(scenarioRows(), at(9), at(11))

	assert.Equal(t, []EmotionSummary{
		{Frame: 1, Emotion: "Happy", Intensity: 0.8, Valence: ptr(0.5), Arousal: nil, Timestamp: 10},
	}, got)
}

// TestAggregateScenarioWiderWindow 测试更宽窗口包含第二帧
func TestAggregateScenarioWiderWindow(t *testing.T) {
	got := Aggregate(scenarioRows(), at(9), at(12))
	require.Len(t, got, 2)

	assert.Equal(t, EmotionSummary{Frame: 1, Emotion: "Happy", Intensity: 0.8, Valence: ptr(0.5), Timestamp: 10}, got[0])

	assert.Equal(t, int64(2), got[1].Frame)
	assert.Equal(t, "Angry", got[1].Emotion)
	assert.Equal(t, 0.9, got[1].Intensity)
	assert.Nil(t, got[1].Arousal)
	assert.Nil(t, got[1].Valence)
	assert.Equal(t, 11.0, got[1].Timestamp)
}

// TestAggregateLowerBoundInclusive 测试下界闭区间
func TestAggregateLowerBoundInclusive(t *testing.T) {
	rows := []classlog.Row{value(5, "Sad", 0.4, 20)}

	assert.Len(t, Aggregate(rows, at(20), at(21)), 1)
	assert.Empty(t, Aggregate(rows, at(19), at(20)))
}

// TestAggregateTieBreakFirstEncountered 测试并列最大值取先出现者
func TestAggregateTieBreakFirstEncountered(t *testing.T) {
	rows := []classlog.Row{
		value(1, "Surprised", 0.6, 1),
		value(1, "Scared", 0.6, 1),
		value(1, "Neutral", 0.1, 1),
	}
	got := Aggregate(rows, at(0), at(2))
	require.Len(t, got, 1)
	assert.Equal(t, "Surprised", got[0].Emotion)

	rows[0], rows[1] = rows[1], rows[0]
	got = Aggregate(rows, at(0), at(2))
	require.Len(t, got, 1)
	assert.Equal(t, "Scared", got[0].Emotion)
}

// TestAggregateEmptyInputs 测试空输入与空窗口
func TestAggregateEmptyInputs(t *testing.T) {
	assert.Equal(t, []EmotionSummary{}, Aggregate(nil, at(0), at(1)))
	assert.Equal(t, []EmotionSummary{}, Aggregate([]classlog.Row{}, at(0), at(1)))
	assert.Equal(t, []EmotionSummary{}, Aggregate(scenarioRows(), at(10), at(10)))
	assert.Equal(t, []EmotionSummary{}, Aggregate(scenarioRows(), at(12), at(9)))
	assert.Equal(t, []EmotionSummary{}, Aggregate(scenarioRows(), at(100), at(200)))
}

// TestAggregateNoEmotionRows 测试窗口内只有效价/唤醒度时结果为空
func TestAggregateNoEmotionRows(t *testing.T) {
	rows := []classlog.Row{
		value(1, LabelValence, 0.3, 1),
		value(1, LabelArousal, 0.7, 1),
		value(1, "Quality", 0.99, 1),
	}
	assert.Equal(t, []EmotionSummary{}, Aggregate(rows, at(0), at(2)))
}

// TestAggregateIgnoresStateAndNonFinite 测试状态行与非有限值被忽略
func TestAggregateIgnoresStateAndNonFinite(t *testing.T) {
	rows := []classlog.Row{
		{FrameNumber: 1, Label: "Happy", Kind: classlog.KindState, State: "1", ReceivedAt: at(1)},
		value(1, "Happy", math.NaN(), 1),
		value(1, "Sad", math.Inf(1), 1),
		value(1, "Angry", 0.2, 1),
	}
	got := Aggregate(rows, at(0), at(2))
	require.Len(t, got, 1)
	assert.Equal(t, "Angry", got[0].Emotion)
	assert.Equal(t, 0.2, got[0].Intensity)
}

// TestAggregateDimensionsLastWins 测试同帧效价/唤醒度取最晚的一条
func TestAggregateDimensionsLastWins(t *testing.T) {
	rows := []classlog.Row{
		value(1, "Happy", 0.5, 1),
		value(1, LabelValence, 0.1, 1.5),
		value(1, LabelValence, 0.2, 1.2),
		value(1, LabelArousal, 0.3, 1),
		value(1, LabelArousal, 0.4, 1),
		value(1, LabelValence, 0.9, 5), // 窗口外
	}
	got := Aggregate(rows, at(0), at(2))
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Valence)
	require.NotNil(t, got[0].Arousal)
	assert.Equal(t, 0.1, *got[0].Valence)
	assert.Equal(t, 0.4, *got[0].Arousal)
}

// TestAggregateDimensionsPerFrame 测试效价/唤醒度不跨帧借用
func TestAggregateDimensionsPerFrame(t *testing.T) {
	rows := []classlog.Row{
		value(1, "Happy", 0.5, 1),
		value(2, "Sad", 0.5, 1),
		value(2, LabelArousal, 0.6, 1),
	}
	got := Aggregate(rows, at(0), at(2))
	require.Len(t, got, 2)
	assert.Nil(t, got[0].Arousal)
	require.NotNil(t, got[1].Arousal)
	assert.Equal(t, 0.6, *got[1].Arousal)
}

// TestAggregateOrdering 测试按 (timestamp, frame) 排序
func TestAggregateOrdering(t *testing.T) {
	rows := []classlog.Row{
		value(9, "Happy", 0.5, 3),
		value(4, "Sad", 0.5, 2),
		value(3, "Angry", 0.5, 2),
		value(1, "Neutral", 0.5, 4),
	}
	got := Aggregate(rows, at(0), at(10))
	require.Len(t, got, 4)

	var frames []int64
	for _, s := range got {
		frames = append(frames, s.Frame)
	}
	assert.Equal(t, []int64{3, 4, 9, 1}, frames)
}

// TestAggregateDeterministic 测试重复调用结果一致且不修改输入
func TestAggregateDeterministic(t *testing.T) {
	rows := append(scenarioRows(),
		value(3, "Disgusted", 0.3, 10.5),
		value(3, "Scared", 0.3, 10.5),
		value(3, LabelArousal, 0.2, 10.5),
	)
	snapshot := append([]classlog.Row(nil), rows...)

	first := Aggregate(rows, at(9), at(12))
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Aggregate(rows, at(9), at(12)))
	}
	assert.Equal(t, snapshot, rows)
}

// TestEmotionSummaryJSON 测试缺失的效价/唤醒度编码为 null
func TestEmotionSummaryJSON(t *testing.T) {
	data, err := json.Marshal(EmotionSummary{Frame: 1, Emotion: "Happy", Intensity: 0.8, Valence: ptr(0.5), Timestamp: 10})
	require.NoError(t, err)
	assert.JSONEq(t, `{"frame":1,"emotion":"Happy","intensity":0.8,"valence":0.5,"arousal":null,"timestamp":10}`, string(data))
}

// TestBounds 测试窗口边界
func TestBounds(t *testing.T) {
	b := Bounds{Start: at(1), End: at(2)}
	assert.True(t, b.Contains(at(1)))
	assert.True(t, b.Contains(at(1.999)))
	assert.False(t, b.Contains(at(2)))
	assert.False(t, b.Empty())
	assert.True(t, Bounds{Start: at(2), End: at(2)}.Empty())
	assert.Equal(t, Aggregate(scenarioRows(), at(9), at(12)), AggregateWindow(scenarioRows(), Bounds{Start: at(9), End: at(12)}))
}
