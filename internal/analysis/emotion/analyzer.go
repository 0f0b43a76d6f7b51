package emotion

// Decision 给出表情识别结果以及获胜分数。
type Decision struct {
	Emotion Label
	Score   float64
	Raw     string
}

// FromScores 选出得分最高的表情并映射到固定标签集合，未知名称映射为 neutral。
// 同分时按 Labels 中的顺序取靠前者。scores 为空时 ok 为 false。
func FromScores(scores map[string]float64) (Decision, bool) {
	if len(scores) == 0 {
		return Decision{Emotion: Neutral}, false
	}

	var (
		best  Decision
		found bool
	)
	for name, score := range scores {
		label, ok := Parse(name)
		if !ok {
			label = Neutral
		}
		candidate := Decision{Emotion: label, Score: score, Raw: name}
		if !found || score > best.Score || (score == best.Score && rank(label) < rank(best.Emotion)) {
			best = candidate
			found = true
		}
	}

	return best, true
}
