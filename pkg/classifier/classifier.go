package classifier

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Status is the terminal state of a tool outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Kind narrows a failure down to where it came from.
type Kind string

const (
	KindNone      Kind = ""
	KindTransport Kind = "transport"
	KindBusiness  Kind = "business"
	KindExhausted Kind = "exhausted"
	KindCanceled  Kind = "canceled"
)

// excerptRadius is the number of bytes kept on each side of a match.
const excerptRadius = 48

// Outcome is an immutable classified tool result.
type Outcome struct {
	Status    Status `json:"status"`
	Payload   string `json:"payload,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Kind      Kind   `json:"kind,omitempty"`
	Indicator string `json:"indicator,omitempty"`
}

// Succeeded reports whether the outcome is a success.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// Summary returns the payload for successes and the reason for failures.
func (o Outcome) Summary() string {
	if o.Succeeded() {
		return o.Payload
	}
	return o.Reason
}

// Success builds a successful outcome.
func Success(payload string) Outcome {
	return Outcome{Status: StatusSuccess, Payload: payload}
}

// Failure builds a failed outcome.
func Failure(kind Kind, reason string) Outcome {
	return Outcome{Status: StatusFailure, Kind: kind, Reason: reason}
}

// transportFault is implemented by invocation errors that did not reach the tool.
type transportFault interface {
	TransportFault() bool
}

// Classifier matches payloads against a vocabulary.
type Classifier struct {
	vocab   Vocabulary
	lowered []string
}

// New creates a classifier for the given vocabulary.
func New(vocab Vocabulary) *Classifier {
	lowered := make([]string, 0, len(vocab.Indicators))
	for _, word := range vocab.Indicators {
		word = strings.ToLower(strings.TrimSpace(word))
		if word != "" {
			lowered = append(lowered, word)
		}
	}
	return &Classifier{vocab: vocab, lowered: lowered}
}

var defaultClassifier = New(DefaultVocabulary)

// Classify uses the default vocabulary.
func Classify(payload string, fault error) Outcome {
	return defaultClassifier.Classify(payload, fault)
}

// Vocabulary returns the vocabulary in use.
func (c *Classifier) Vocabulary() Vocabulary {
	return c.vocab
}

// Classify decides success or failure for a raw invocation result.
func (c *Classifier) Classify(payload string, fault error) Outcome {
	if fault != nil {
		kind := KindBusiness
		var tf transportFault
		if errors.As(fault, &tf) && tf.TransportFault() {
			kind = KindTransport
		}
		out := Failure(kind, fault.Error())
		out.Payload = payload
		return out
	}

	indicator, excerpt, ok := c.match(payload)
	if !ok {
		return Success(payload)
	}

	return Outcome{
		Status:    StatusFailure,
		Payload:   payload,
		Reason:    excerpt,
		Kind:      KindBusiness,
		Indicator: indicator,
	}
}

// match finds the earliest indicator in text and returns it with its excerpt.
func (c *Classifier) match(text string) (string, string, bool) {
	if text == "" {
		return "", "", false
	}

	lower := strings.ToLower(text)
	source := text
	if len(lower) != len(text) {
		// case folding changed byte offsets, excerpt from the folded text
		source = lower
	}

	best, bestAt := "", -1
	for _, word := range c.lowered {
		at := strings.Index(lower, word)
		if at < 0 {
			continue
		}
		if bestAt < 0 || at < bestAt || (at == bestAt && len(word) > len(best)) {
			best, bestAt = word, at
		}
	}
	if bestAt < 0 {
		return "", "", false
	}

	return best, excerpt(source, bestAt, bestAt+len(best)), true
}

func excerpt(text string, start, end int) string {
	from := start - excerptRadius
	if from < 0 {
		from = 0
	}
	to := end + excerptRadius
	if to > len(text) {
		to = len(text)
	}
	for from > 0 && !utf8.RuneStart(text[from]) {
		from--
	}
	for to < len(text) && !utf8.RuneStart(text[to]) {
		to++
	}

	out := strings.Join(strings.Fields(text[from:to]), " ")
	if from > 0 {
		out = "..." + out
	}
	if to < len(text) {
		out += "..."
	}
	return out
}
