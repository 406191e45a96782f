package whatsapp

import (
	"errors"
	"time"

	"whatsapp-gateway/types"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

const (
	// ConflictDelay is longer than RestartDelay so a replaced stream does not
	// immediately race the other endpoint again.
	ConflictDelay = 2 * time.Second
	RestartDelay  = 500 * time.Millisecond

	DefaultMaxRetryQR      = 5
	DefaultRestoreInterval = 2 * time.Second
	DefaultSendRate        = 5

	// QRExpired replaces the challenge once the retry budget is spent.
	QRExpired = " "

	handlerTimeout = 30 * time.Second
	recipientTTL   = 10 * time.Minute
)

var (
	ErrNotConnected     = errors.New("session is not connected")
	ErrNoAccount        = errors.New("no account exists")
	ErrDuplicateSession = errors.New("session already registered")
	ErrSessionNotFound  = errors.New("session not found")
	ErrGroupNotFound    = errors.New("group not found in chat mirror")
)

// Options are the per-process knobs every session shares
type Options struct {
	MaxRetryQR      int
	MarkRead        bool
	Base64Media     bool
	Webhook         types.Webhook
	RestoreInterval time.Duration
	SendRate        rate.Limit
	SendBurst       int
	Clock           clock.Clock
}

func (o Options) withDefaults() Options {
	if o.MaxRetryQR <= 0 {
		o.MaxRetryQR = DefaultMaxRetryQR
	}
	if o.RestoreInterval <= 0 {
		o.RestoreInterval = DefaultRestoreInterval
	}
	if o.SendRate <= 0 {
		o.SendRate = DefaultSendRate
	}
	if o.SendBurst <= 0 {
		o.SendBurst = 1
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}
