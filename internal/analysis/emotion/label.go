package emotion

import (
	"strings"
	"sync/atomic"
)

// Label 表示对话对象当前的面部表情。
type Label string

const (
	Happiness Label = "happiness"
	Sadness   Label = "sadness"
	Surprise  Label = "surprise"
	Anger     Label = "anger"
	Disgust   Label = "disgust"
	Fear      Label = "fear"
	Neutral   Label = "neutral"
)

// Labels 按固定顺序列出全部支持的表情。
var Labels = []Label{Happiness, Sadness, Surprise, Anger, Disgust, Fear, Neutral}

const defaultEmoticon = "😐"

var emoticons = map[Label]string{
	Happiness: "😊",
	Sadness:   "😢",
	Surprise:  "😮",
	Anger:     "😠",
	Disgust:   "🤢",
	Fear:      "😨",
	Neutral:   "😐",
}

// aliases maps classifier vocabularies (FER, model output) onto Label.
var aliases = map[string]Label{
	"happy":     Happiness,
	"happiness": Happiness,
	"sad":       Sadness,
	"sadness":   Sadness,
	"surprise":  Surprise,
	"surprised": Surprise,
	"angry":     Anger,
	"anger":     Anger,
	"disgust":   Disgust,
	"disgusted": Disgust,
	"fear":      Fear,
	"fearful":   Fear,
	"neutral":   Neutral,
}

// Valid 判断标签是否属于固定的七种表情。
func (l Label) Valid() bool {
	_, ok := emoticons[l]
	return ok
}

// Emoticon 返回标签对应的表情符号，未知标签回退到中性表情。
func (l Label) Emoticon() string {
	if e, ok := emoticons[l]; ok {
		return e
	}
	return defaultEmoticon
}

func (l Label) String() string {
	return string(l)
}

// Parse 将分类器输出的名称规范化为 Label。
func Parse(name string) (Label, bool) {
	label, ok := aliases[strings.ToLower(strings.TrimSpace(name))]
	return label, ok
}

func rank(l Label) int {
	for i, candidate := range Labels {
		if candidate == l {
			return i
		}
	}
	return len(Labels)
}

// Holder 保存最近一次成功识别的表情，单写多读。零值可直接使用，初始为 neutral。
type Holder struct {
	v atomic.Value
}

// NewHolder returns a holder set to Neutral.
func NewHolder() *Holder {
	h := &Holder{}
	h.v.Store(Neutral)
	return h
}

// Load 返回当前表情，从不为空。
func (h *Holder) Load() Label {
	if label, ok := h.v.Load().(Label); ok {
		return label
	}
	return Neutral
}

// Store 写入新表情，非法标签会被拒绝并保留原值。
func (h *Holder) Store(label Label) bool {
	if !label.Valid() {
		return false
	}
	h.v.Store(label)
	return true
}

// Reset 将表情恢复为 neutral。
func (h *Holder) Reset() {
	h.v.Store(Neutral)
}
