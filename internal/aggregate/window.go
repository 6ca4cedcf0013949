package aggregate

import (
	"math"
	"sort"
	"time"

	"FaceReaderBridge/internal/classlog"
)

// 效价与唤醒度标签
const (
	LabelValence = "Valence"
	LabelArousal = "Arousal"
)

// EmotionLabels 参与主导情绪选择的封闭标签集合
var EmotionLabels = []string{"Neutral", "Happy", "Sad", "Angry", "Surprised", "Scared", "Disgusted"}

var emotionSet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(EmotionLabels))
	for _, label := range EmotionLabels {
		set[label] = struct{}{}
	}
	return set
}()

// IsEmotionLabel 判断标签是否属于情绪类别
func IsEmotionLabel(label string) bool {
	_, ok := emotionSet[label]
	return ok
}

// EmotionSummary 单帧的主导情绪汇总
type EmotionSummary struct {
	Frame     int64    `json:"frame"`
	Emotion   string   `json:"emotion"`
	Intensity float64  `json:"intensity"`
	Valence   *float64 `json:"valence"`
	Arousal   *float64 `json:"arousal"`
	Timestamp float64  `json:"timestamp"`
}

// Bounds 时间窗口 [Start, End)
type Bounds struct {
	Start time.Time
	End   time.Time
}

// Contains 判断时间点是否落在窗口内（下界闭，上界开）
func (b Bounds) Contains(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}

// Empty 窗口是否为空
func (b Bounds) Empty() bool {
	return !b.Start.Before(b.End)
}

// Aggregate 将窗口内的记录归约为逐帧主导情绪
// 同帧最大值相同时取先出现者；效价/唤醒度取同帧窗口内最晚的一条，缺失保持为 nil
func Aggregate(rows []classlog.Row, start, end time.Time) []EmotionSummary {
	window := Bounds{Start: start, End: end}
	if window.Empty() || len(rows) == 0 {
		return []EmotionSummary{}
	}

	best := make(map[int64]classlog.Row)
	var order []int64
	dimensions := make(map[int64][2]*classlog.Row)

	for i := range rows {
		row := &rows[i]
		if row.Kind != classlog.KindValue || !window.Contains(row.ReceivedAt) || !finite(row.Value) {
			continue
		}

		switch {
		case IsEmotionLabel(row.Label):
			current, ok := best[row.FrameNumber]
			if !ok {
				order = append(order, row.FrameNumber)
			}
			if !ok || row.Value > current.Value {
				best[row.FrameNumber] = *row
			}
		case row.Label == LabelValence:
			dims := dimensions[row.FrameNumber]
			dims[0] = latest(dims[0], row)
			dimensions[row.FrameNumber] = dims
		case row.Label == LabelArousal:
			dims := dimensions[row.FrameNumber]
			dims[1] = latest(dims[1], row)
			dimensions[row.FrameNumber] = dims
		}
	}

	summaries := make([]EmotionSummary, 0, len(order))
	for _, frame := range order {
		selected := best[frame]
		dims := dimensions[frame]
		summaries = append(summaries, EmotionSummary{
			Frame:     frame,
			Emotion:   selected.Label,
			Intensity: selected.Value,
			Valence:   valueOf(dims[0]),
			Arousal:   valueOf(dims[1]),
			Timestamp: unixSeconds(selected.ReceivedAt),
		})
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].Timestamp != summaries[j].Timestamp {
			return summaries[i].Timestamp < summaries[j].Timestamp
		}
		return summaries[i].Frame < summaries[j].Frame
	})

	return summaries
}

// AggregateWindow 对 Bounds 调用 Aggregate
func AggregateWindow(rows []classlog.Row, window Bounds) []EmotionSummary {
	return Aggregate(rows, window.Start, window.End)
}

// latest 后到者在时间相同时胜出
func latest(current, candidate *classlog.Row) *classlog.Row {
	if current == nil || !candidate.ReceivedAt.Before(current.ReceivedAt) {
		return candidate
	}
	return current
}

func valueOf(row *classlog.Row) *float64 {
	if row == nil {
		return nil
	}
	v := row.Value
	return &v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
