package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// redactionRule replaces matches of pattern. When the pattern has a first
// capture group, that prefix (a field name and separator) is kept so JSON log
// lines stay parseable.
type redactionRule struct {
	pattern *regexp.Regexp
	keepKey bool
}

func (r redactionRule) apply(s string) string {
	if r.keepKey {
		return r.pattern.ReplaceAllString(s, "${1}"+redacted)
	}
	return r.pattern.ReplaceAllString(s, redacted)
}

// Redactor masks credentials in log output.
type Redactor struct {
	rules []redactionRule
}

// NewRedactor creates a redactor for model API keys, bearer tokens and
// secret-looking fields.
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, p := range []string{
		`sk-ant-[a-zA-Z0-9_-]{20,}`,
		`sk-[a-zA-Z0-9_-]{20,}`,
		`AKIA[0-9A-Z]{16}`,
	} {
		r.rules = append(r.rules, redactionRule{pattern: regexp.MustCompile(p)})
	}
	for _, p := range []string{
		`(Bearer\s+)[a-zA-Z0-9._~+/=-]+`,
		// OPENAI_API_KEY=..., "api_key":"...", api-key: ...
		`(?i)(api[_-]?key"?\s*[:=]\s*"?)[^\s",}]+`,
		`(?i)((?:password|passwd|pwd)"?\s*[:=]\s*"?)[^\s",}]+`,
		`(?i)((?:secret|token)"?\s*[:=]\s*"?)[^\s",}]{8,}`,
	} {
		r.rules = append(r.rules, redactionRule{pattern: regexp.MustCompile(p), keepKey: true})
	}
	return r
}

// AddPattern adds a pattern whose whole match is masked.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, redactionRule{pattern: re})
	return nil
}

// Redact masks every credential in s.
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		s = rule.apply(s)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers never see a short write
// when redaction changes the length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
