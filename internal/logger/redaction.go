package logger

import (
	"io"
	"regexp"
)

const redactedMarker = "[REDACTED]"

// Redactor scrubs credentials from log lines before they reach a sink.
type Redactor struct {
	patterns []*regexp.Regexp
}

func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// provider API keys (anthropic first, it shares the sk- prefix)
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-(?:proj-)?[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`),

			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),
			regexp.MustCompile(`(?i)x-api-key["\s:=]+[^\s"]+`),
			regexp.MustCompile(`AKIA[0-9A-Z]{16}`),

			regexp.MustCompile(`(?i)(?:password|pwd|secret)["\s:=]+[^\s"]+`),
			regexp.MustCompile(`(?i)token["\s:=]+[a-zA-Z0-9._-]{20,}`),
		},
	}
}

// AddPattern registers an extra expression to redact.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

func (r *Redactor) Redact(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redactedMarker)
	}
	return s
}

// Wrap returns a writer that redacts each write before forwarding it to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{next: w, redactor: r}
}

type redactingWriter struct {
	next     io.Writer
	redactor *Redactor
}

// Write reports len(p) on success; the redacted line may differ in length
// and zerolog treats short writes as errors.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.next.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
