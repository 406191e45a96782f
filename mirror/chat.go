package mirror

import (
	"bytes"
	"encoding/json"
)

// Role is a group participant's privilege. The zero value is a plain member
// and is serialized as null.
type Role string

const (
	RoleMember     Role = ""
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

func (r Role) MarshalJSON() ([]byte, error) {
	if r == RoleMember {
		return []byte("null"), nil
	}
	return json.Marshal(string(r))
}

func (r *Role) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*r = RoleMember
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = Role(s)
	return nil
}

type Participant struct {
	ID    string `json:"id"`
	Admin Role   `json:"admin"`
}

// Chat is one mirrored conversation. Group-only fields stay empty for
// individual chats.
type Chat struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	Participant  []Participant `json:"participant,omitempty"`
	Creation     int64         `json:"creation,omitempty"`
	SubjectOwner string        `json:"subjectOwner,omitempty"`
	Archived     bool          `json:"archived,omitempty"`
	Pinned       bool          `json:"pinned,omitempty"`
	MutedUntil   int64         `json:"mutedUntil,omitempty"`
	UnreadCount  int           `json:"unreadCount,omitempty"`
}

// ChatPatch carries the fields of an update signal. Nil fields are left
// untouched.
type ChatPatch struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	Archived    *bool   `json:"archived,omitempty"`
	Pinned      *bool   `json:"pinned,omitempty"`
	MutedUntil  *int64  `json:"mutedUntil,omitempty"`
	UnreadCount *int    `json:"unreadCount,omitempty"`
}

func (p ChatPatch) apply(c *Chat) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Archived != nil {
		c.Archived = *p.Archived
	}
	if p.Pinned != nil {
		c.Pinned = *p.Pinned
	}
	if p.MutedUntil != nil {
		c.MutedUntil = *p.MutedUntil
	}
	if p.UnreadCount != nil {
		c.UnreadCount = *p.UnreadCount
	}
}

// GroupMetadata is what the transport reports about a group
type GroupMetadata struct {
	ID           string        `json:"id"`
	Subject      string        `json:"subject"`
	Creation     int64         `json:"creation,omitempty"`
	SubjectOwner string        `json:"subjectOwner,omitempty"`
	Participants []Participant `json:"participants"`
}

// Chat converts the metadata into a mirrored chat entry.
func (g GroupMetadata) Chat() Chat {
	return Chat{
		ID:           g.ID,
		Name:         g.Subject,
		Participant:  append([]Participant(nil), g.Participants...),
		Creation:     g.Creation,
		SubjectOwner: g.SubjectOwner,
	}
}

type ParticipantAction string

const (
	ActionAdd     ParticipantAction = "add"
	ActionRemove  ParticipantAction = "remove"
	ActionPromote ParticipantAction = "promote"
	ActionDemote  ParticipantAction = "demote"
)

// ParticipantsUpdate is a group-participants.update signal
type ParticipantsUpdate struct {
	ID           string            `json:"id"`
	Participants []string          `json:"participants"`
	Action       ParticipantAction `json:"action"`
}

// Document is the persisted snapshot of one session's chats
type Document struct {
	Key  string `json:"key"`
	Chat []Chat `json:"chat"`
}
