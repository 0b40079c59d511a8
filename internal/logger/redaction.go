package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// secretPatterns covers the credentials this runtime handles: the stream
// endpoint key, Telegram bot tokens, gateway and webhook secrets and
// signatures, and Redis URLs with embedded passwords.
var secretPatterns = []string{
	`sk-[a-zA-Z0-9_-]{20,}`,
	`Bearer\s+[a-zA-Z0-9._~+/-]+=*`,
	`\d{8,10}:[a-zA-Z0-9_-]{30,}`,
	`sha256=[0-9a-fA-F]{64}`,
	`[?&]token=[^&\s"]+`,
	`"(?:api_key|bot_token|shared_secret|secret|signature)"\s*:\s*"[^"]+"`,
	`://[^/\s:@]*:[^/\s@]+@`,
	`(?i)password["\s:=]+[^\s"]+`,
}

// Redactor redacts sensitive information from logs
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with the built-in secret patterns.
func NewRedactor() *Redactor {
	r := &Redactor{patterns: make([]*regexp.Regexp, 0, len(secretPatterns))}
	for _, p := range secretPatterns {
		r.patterns = append(r.patterns, regexp.MustCompile(p))
	}
	return r
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact replaces every match of every pattern in s.
func (r *Redactor) Redact(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success even when redaction changed the length,
// so zerolog does not treat it as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
