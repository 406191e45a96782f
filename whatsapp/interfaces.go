package whatsapp

import (
	"context"

	"whatsapp-gateway/mirror"
	"whatsapp-gateway/types"

	"go.mau.fi/whatsmeow/proto/waE2E"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Transport is one live protocol connection. A session only holds it while
// connecting or open.
type Transport interface {
	Connect(ctx context.Context) error
	// Close detaches every event listener and closes the socket. Calling it
	// more than once is harmless.
	Close()
	Logout(ctx context.Context) error
	User() *types.UserInfo

	SendText(ctx context.Context, to, text string) (string, error)
	OnWhatsApp(ctx context.Context, id string) (bool, error)
	MarkRead(ctx context.Context, keys []MessageKey) error
	Download(ctx context.Context, msg *waE2E.Message) ([]byte, error)

	JoinedGroups(ctx context.Context) ([]mirror.GroupMetadata, error)
	CreateGroup(ctx context.Context, name string, participants []string) (mirror.GroupMetadata, error)
	UpdateParticipants(ctx context.Context, group string, participants []string, action mirror.ParticipantAction) ([]ParticipantResult, error)
	SetSubject(ctx context.Context, group, subject string) error
	SetDescription(ctx context.Context, group, description string) error
	SetSetting(ctx context.Context, group string, setting GroupSetting) error
	LeaveGroup(ctx context.Context, group string) error
	InviteCode(ctx context.Context, group string) (string, error)
}

// Handler receives the events of one transport in the order it produced them.
type Handler func(evt Event)

// Dialer builds a fresh transport for every connection attempt.
type Dialer interface {
	Dial(ctx context.Context, auth AuthState, log waLog.Logger, handler Handler) (Transport, error)
}

// AuthState is the loaded credential unit of one session.
type AuthState interface {
	Key() string
	// Save persists the credentials after a mutation.
	Save(ctx context.Context) error
}

// AuthStore owns the credential material of every session.
type AuthStore interface {
	Keys(ctx context.Context) ([]string, error)
	Load(ctx context.Context, key string) (AuthState, error)
	Drop(ctx context.Context, key string) error
	DropAll(ctx context.Context) error
}
