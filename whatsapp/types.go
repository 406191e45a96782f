package whatsapp

import (
	"time"

	"whatsapp-gateway/fault"
	"whatsapp-gateway/mirror"

	"go.mau.fi/whatsmeow/proto/waE2E"
)

// Event is anything a transport reports to its session
type Event interface {
	isEvent()
}

type ConnectionStatus string

const (
	ConnectionConnecting ConnectionStatus = "connecting"
	ConnectionOpen       ConnectionStatus = "open"
	ConnectionClose      ConnectionStatus = "close"
)

// ConnectionUpdate carries a lifecycle change, a pairing challenge, or both.
// Close is set when Connection is ConnectionClose.
type ConnectionUpdate struct {
	Connection ConnectionStatus
	QR         string
	Close      *fault.Close
}

// CredsUpdate reports that the credentials changed and must be saved
type CredsUpdate struct {
	JID string
}

type Presence struct {
	ID          string    `json:"id"`
	Unavailable bool      `json:"unavailable"`
	LastSeen    time.Time `json:"lastSeen,omitempty"`
}

type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	ID          string `json:"id"`
	FromMe      bool   `json:"fromMe"`
	Participant string `json:"participant,omitempty"`
}

type IncomingMessage struct {
	Key       MessageKey
	PushName  string
	Timestamp time.Time
	Message   *waE2E.Message
}

const UpsertNotify = "notify"

// MessagesUpsert is a batch of messages. Only notify batches are live.
type MessagesUpsert struct {
	Type     string
	Messages []IncomingMessage
}

// ChatsSet replaces the whole chat list
type ChatsSet struct {
	Chats []mirror.Chat
}

type ChatsUpsert struct {
	Chats []mirror.Chat
}

type ChatsUpdate struct {
	Patches []mirror.ChatPatch
}

type ChatsDelete struct {
	IDs []string
}

type GroupsUpsert struct {
	Groups []mirror.GroupMetadata
}

type GroupUpdate struct {
	ID          string `json:"id"`
	Subject     string `json:"subject,omitempty"`
	Description string `json:"desc,omitempty"`
	Announce    *bool  `json:"announce,omitempty"`
	Restrict    *bool  `json:"restrict,omitempty"`
}

type GroupsUpdate struct {
	Updates []GroupUpdate
}

type GroupParticipantsUpdate struct {
	mirror.ParticipantsUpdate
}

type CallOffer struct {
	ID              string
	From            string
	Timestamp       time.Time
	Platform        string
	PlatformVersion string
}

type CallTerminate struct {
	ID        string
	From      string
	Timestamp time.Time
	Reason    string
}

func (ConnectionUpdate) isEvent()        {}
func (CredsUpdate) isEvent()             {}
func (Presence) isEvent()                {}
func (MessagesUpsert) isEvent()          {}
func (ChatsSet) isEvent()                {}
func (ChatsUpsert) isEvent()             {}
func (ChatsUpdate) isEvent()             {}
func (ChatsDelete) isEvent()             {}
func (GroupsUpsert) isEvent()            {}
func (GroupsUpdate) isEvent()            {}
func (GroupParticipantsUpdate) isEvent() {}
func (CallOffer) isEvent()               {}
func (CallTerminate) isEvent()           {}

// ParticipantResult is the per-participant outcome of a group change.
// A non-zero Status means the change was refused for that participant.
type ParticipantResult struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
}

type GroupSetting string

const (
	SettingAnnouncement    GroupSetting = "announcement"
	SettingNotAnnouncement GroupSetting = "not_announcement"
	SettingLocked          GroupSetting = "locked"
	SettingUnlocked        GroupSetting = "unlocked"
)

func (g GroupSetting) Valid() bool {
	switch g {
	case SettingAnnouncement, SettingNotAnnouncement, SettingLocked, SettingUnlocked:
		return true
	}
	return false
}
