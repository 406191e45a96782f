package fault

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Category is the recovery class of a connection close or error
type Category string

const (
	LoggedOut       Category = "logged_out"
	CryptoFault     Category = "crypto_fault"
	RestartRequired Category = "restart_required"
	Conflict        Category = "conflict"
	TransientOther  Category = "transient_other"
)

// StatusLoggedOut is the close status the transport reports when the remote
// side revoked the credentials.
const StatusLoggedOut = 401

var (
	cryptoPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)bad mac`),
		regexp.MustCompile(`(?i)over 2000 messages into the future`),
	}
	restartPattern  = regexp.MustCompile(`(?i)restart required`)
	conflictPattern = regexp.MustCompile(`(?i)conflict`)
)

// Close describes why a transport connection ended.
type Close struct {
	StatusCode int
	Message    string
}

func (c Close) String() string {
	if c.StatusCode == 0 {
		return c.Message
	}
	return fmt.Sprintf("%d: %s", c.StatusCode, c.Message)
}

// Terminal reports whether the category invalidates the stored credentials.
func (c Category) Terminal() bool {
	return c == LoggedOut || c == CryptoFault
}

// IsCryptoFault reports whether text carries one of the signal-session
// corruption phrases.
func IsCryptoFault(text string) bool {
	for _, re := range cryptoPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Classify maps a close to exactly one category. Logged-out status wins over
// any message text, crypto phrases win over the transient ones.
func Classify(c Close) Category {
	switch {
	case c.StatusCode == StatusLoggedOut:
		return LoggedOut
	case IsCryptoFault(c.Message):
		return CryptoFault
	case restartPattern.MatchString(c.Message):
		return RestartRequired
	case conflictPattern.MatchString(c.Message):
		return Conflict
	default:
		return TransientOther
	}
}

// ClassifyError classifies a bare error with no status code.
func ClassifyError(err error) Category {
	if err == nil {
		return TransientOther
	}
	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		return Classify(Close{StatusCode: coded.StatusCode(), Message: err.Error()})
	}
	return Classify(Close{Message: err.Error()})
}

// Text flattens log arguments the way they are scanned for fault phrases:
// errors contribute their message, strings themselves, anything else nothing.
func Text(args ...any) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		switch v := a.(type) {
		case error:
			parts = append(parts, v.Error())
		case string:
			parts = append(parts, v)
		case fmt.Stringer:
			parts = append(parts, v.String())
		}
	}
	return strings.Join(parts, " ")
}
