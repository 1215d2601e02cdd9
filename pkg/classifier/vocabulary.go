package classifier

import "strings"

// Vocabulary is a versioned set of failure indicators.
type Vocabulary struct {
	Version    string   `json:"version"`
	Indicators []string `json:"indicators"`
}

// DefaultVocabulary covers English and Simplified Chinese tool output.
var DefaultVocabulary = Vocabulary{
	Version: "2",
	Indicators: []string{
		// English
		"failed",
		"failure",
		"error",
		"exception",
		"not found",
		"cannot",
		"can't",
		"unable to",
		"invalid",
		"timeout",
		"timed out",
		"denied",
		"already exists",
		"no such file",
		// Simplified Chinese
		"失败",
		"错误",
		"异常",
		"未找到",
		"找不到",
		"不存在",
		"无法",
		"无效",
		"超时",
		"拒绝",
		"已存在",
	},
}

// With returns a copy of the vocabulary extended with extra indicators.
// Blank and duplicate indicators are dropped. The version is marked custom
// only when something was added.
func (v Vocabulary) With(extra ...string) Vocabulary {
	out := Vocabulary{Version: v.Version}
	seen := make(map[string]bool, len(v.Indicators)+len(extra))
	add := func(word string) bool {
		key := strings.ToLower(strings.TrimSpace(word))
		if key == "" || seen[key] {
			return false
		}
		seen[key] = true
		out.Indicators = append(out.Indicators, strings.TrimSpace(word))
		return true
	}

	for _, word := range v.Indicators {
		add(word)
	}
	added := false
	for _, word := range extra {
		if add(word) {
			added = true
		}
	}
	if added {
		out.Version = v.Version + "+custom"
	}
	return out
}
