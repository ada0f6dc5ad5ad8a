package logger

import (
	"io"
	"regexp"
	"sync"
)

const redacted = "[REDACTED]"

// minSecretLen keeps short configured values from redacting ordinary words
const minSecretLen = 8

type rule struct {
	re          *regexp.Regexp
	replacement string
}

// Keyed rules keep the key and its separator so JSON lines stay parseable.
var defaultRules = []rule{
	// Provider API keys
	{re: regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`), replacement: redacted},
	{re: regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`), replacement: redacted},
	{re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`), replacement: redacted},

	{re: regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`), replacement: redacted},
	{re: regexp.MustCompile(`(?i)(x-ranya-secret"?\s*[:=]\s*"?)[^\s"]+`), replacement: "${1}" + redacted},
	{re: regexp.MustCompile(`(?i)((?:api_key|shared_secret|secret|password|pwd)"?\s*[:=]\s*"?)[^\s",}]+`), replacement: "${1}" + redacted},
	{re: regexp.MustCompile(`(?i)(token"?\s*[:=]\s*"?)[a-zA-Z0-9._-]{20,}`), replacement: "${1}" + redacted},
}

// Redactor masks credentials in log output. It matches well-known key
// shapes plus the exact secrets the runtime was configured with.
type Redactor struct {
	mu    sync.RWMutex
	rules []rule
}

// NewRedactor creates a redactor with the default patterns
func NewRedactor() *Redactor {
	return &Redactor{rules: append([]rule(nil), defaultRules...)}
}

// AddPattern adds a custom regular expression
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.rules = append(r.rules, rule{re: re, replacement: redacted})
	r.mu.Unlock()
	return nil
}

// AddSecret masks every literal occurrence of secret. Values shorter than
// minSecretLen are ignored and reported false.
func (r *Redactor) AddSecret(secret string) bool {
	if len(secret) < minSecretLen {
		return false
	}
	literal := rule{re: regexp.MustCompile(regexp.QuoteMeta(secret)), replacement: redacted}
	r.mu.Lock()
	// Literals run first so a pattern cannot leave a partial secret behind.
	r.rules = append([]rule{literal}, r.rules...)
	r.mu.Unlock()
	return true
}

// Redact returns s with every match replaced
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.replacement)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since redaction changes the length
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
