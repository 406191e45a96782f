package whatsapp

import (
	"context"
	"fmt"

	"whatsapp-gateway/mirror"
	"whatsapp-gateway/types"
	"whatsapp-gateway/utils"

	"github.com/samber/lo"
)

// GroupSummary is one entry of the group listing
type GroupSummary struct {
	Index        int                  `json:"index"`
	Name         string               `json:"name"`
	JID          string               `json:"jid"`
	Participant  []mirror.Participant `json:"participant"`
	Creation     int64                `json:"creation,omitempty"`
	SubjectOwner string               `json:"subjectOwner,omitempty"`
}

func recipients(ids []string) []string {
	return lo.Map(ids, func(id string, _ int) string { return utils.WhatsAppID(id) })
}

// verifyRecipient checks that jid exists on the network. Answers are cached
// for a while per session.
func (s *Session) verifyRecipient(ctx context.Context, t Transport, jid string) error {
	if utils.IsGroup(jid) {
		return nil
	}
	cacheKey := s.key + "|" + jid
	if exists, hit := s.recipients.Get(cacheKey); hit {
		if !exists {
			return ErrNoAccount
		}
		return nil
	}

	exists, err := t.OnWhatsApp(ctx, jid)
	if err != nil {
		return fmt.Errorf("failed to verify %s: %w", jid, err)
	}
	s.recipients.Set(cacheKey, exists, recipientTTL)
	if !exists {
		return ErrNoAccount
	}
	return nil
}

// SendText sends a text message and returns its id.
func (s *Session) SendText(ctx context.Context, to, text string) (string, error) {
	t, err := s.connected()
	if err != nil {
		return "", err
	}
	jid := utils.WhatsAppID(to)
	if err := s.verifyRecipient(ctx, t, jid); err != nil {
		return "", err
	}
	if err := s.limiter.Wait(ctx, s.key); err != nil {
		return "", err
	}
	return t.SendText(ctx, jid, text)
}

func (s *Session) ReadMessage(ctx context.Context, key MessageKey) error {
	t, err := s.connected()
	if err != nil {
		return err
	}
	return t.MarkRead(ctx, []MessageKey{key})
}

func (s *Session) Chats(ctx context.Context) ([]mirror.Chat, error) {
	return s.mirror.Chats(ctx)
}

func (s *Session) Groups(ctx context.Context) ([]GroupSummary, error) {
	groups, err := s.mirror.Groups(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Map(groups, func(c mirror.Chat, i int) GroupSummary {
		return GroupSummary{
			Index:        i,
			Name:         c.Name,
			JID:          c.ID,
			Participant:  c.Participant,
			Creation:     c.Creation,
			SubjectOwner: c.SubjectOwner,
		}
	}), nil
}

func (s *Session) CreateGroup(ctx context.Context, name string, users []string) (mirror.GroupMetadata, error) {
	t, err := s.connected()
	if err != nil {
		return mirror.GroupMetadata{}, err
	}
	meta, err := t.CreateGroup(ctx, name, recipients(users))
	if err != nil {
		return mirror.GroupMetadata{}, fmt.Errorf("failed to create group %q: %w", name, err)
	}
	return meta, nil
}

func (s *Session) changeParticipants(ctx context.Context, group string, users []string, action mirror.ParticipantAction, denied string) (types.OperationResult, error) {
	t, err := s.connected()
	if err != nil {
		return types.OperationResult{}, err
	}
	res, err := t.UpdateParticipants(ctx, utils.WhatsAppID(group), recipients(users), action)
	if err != nil {
		s.logger.Debug().Err(err).Str("group", group).Str("action", string(action)).Msg("Participant change refused")
		return types.Denied(denied), nil
	}
	return types.OK(res), nil
}

func (s *Session) AddParticipants(ctx context.Context, group string, users []string) (types.OperationResult, error) {
	return s.changeParticipants(ctx, group, users, mirror.ActionAdd,
		"Unable to add participant, you must be an admin in this group")
}

func (s *Session) MakeAdmin(ctx context.Context, group string, users []string) (types.OperationResult, error) {
	return s.changeParticipants(ctx, group, users, mirror.ActionPromote,
		"unable to promote some participants, check if you are admin in group or participants exists")
}

func (s *Session) DemoteAdmin(ctx context.Context, group string, users []string) (types.OperationResult, error) {
	return s.changeParticipants(ctx, group, users, mirror.ActionDemote,
		"unable to demote some participants, check if you are admin in group or participants exists")
}

func (s *Session) ParticipantsUpdate(ctx context.Context, group string, users []string, action mirror.ParticipantAction) (types.OperationResult, error) {
	return s.changeParticipants(ctx, group, users, action,
		"unable to "+string(action)+" some participants, check if you are admin in group or participants exists")
}

func (s *Session) SettingUpdate(ctx context.Context, group string, setting GroupSetting) (types.OperationResult, error) {
	t, err := s.connected()
	if err != nil {
		return types.OperationResult{}, err
	}
	if !setting.Valid() {
		return types.Denied("unknown group setting " + string(setting)), nil
	}
	if err := t.SetSetting(ctx, utils.WhatsAppID(group), setting); err != nil {
		return types.Denied("unable to " + string(setting) + " check if you are admin in group"), nil
	}
	return types.OK(nil), nil
}

func (s *Session) UpdateSubject(ctx context.Context, group, subject string) (types.OperationResult, error) {
	t, err := s.connected()
	if err != nil {
		return types.OperationResult{}, err
	}
	if err := t.SetSubject(ctx, utils.WhatsAppID(group), subject); err != nil {
		return types.Denied("unable to update subject check if you are admin in group"), nil
	}
	return types.OK(nil), nil
}

func (s *Session) UpdateDescription(ctx context.Context, group, description string) (types.OperationResult, error) {
	t, err := s.connected()
	if err != nil {
		return types.OperationResult{}, err
	}
	if err := t.SetDescription(ctx, utils.WhatsAppID(group), description); err != nil {
		return types.Denied("unable to update description check if you are admin in group"), nil
	}
	return types.OK(nil), nil
}

// mirroredGroup returns the transport if id is a group the mirror knows.
func (s *Session) mirroredGroup(ctx context.Context, id string) (Transport, error) {
	t, err := s.connected()
	if err != nil {
		return nil, err
	}
	if _, ok := s.mirror.Find(ctx, id); !ok {
		return nil, ErrGroupNotFound
	}
	return t, nil
}

func (s *Session) LeaveGroup(ctx context.Context, id string) error {
	t, err := s.mirroredGroup(ctx, id)
	if err != nil {
		return err
	}
	return t.LeaveGroup(ctx, id)
}

func (s *Session) InviteCode(ctx context.Context, id string) (string, error) {
	t, err := s.mirroredGroup(ctx, id)
	if err != nil {
		return "", err
	}
	return t.InviteCode(ctx, id)
}
