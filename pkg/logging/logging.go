package logging

import (
	"os"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface shared by all components. Components are
// normally handed an entry scoped with a "component" field.
type Logger = logrus.FieldLogger

// maxLoggedLength bounds the length of user-supplied values written to logs.
const maxLoggedLength = 100

// New creates the process logger at the given level. An unparseable level
// falls back to info. DEBUG=1 in the environment forces debug output.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	if os.Getenv("DEBUG") == "1" {
		lvl = logrus.DebugLevel
	}
	log.SetLevel(lvl)
	return log
}

// Component returns log scoped to the named component.
func Component(log Logger, name string) Logger {
	return log.WithField("component", name)
}

// SanitizeForLog makes a user-supplied string safe to embed in a log line:
// line breaks and tabs are escaped, other control or unprintable runes are
// replaced with '?', and the result is truncated.
func SanitizeForLog(s string) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\\':
			b.WriteString(`\\`)
		case unicode.IsControl(r), !unicode.IsPrint(r):
			b.WriteByte('?')
		default:
			b.WriteRune(r)
		}
	}

	out := b.String()
	if len(out) > maxLoggedLength {
		return out[:maxLoggedLength] + "...[truncated]"
	}
	return out
}
