package whatsapp

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"whatsapp-gateway/mirror"
	"whatsapp-gateway/utils"
	"whatsapp-gateway/webhook"

	"github.com/samber/lo"
	"google.golang.org/protobuf/encoding/protojson"
)

func (s *Session) onContent(evt Event) {
	ctx, cancel := opContext()
	defer cancel()

	switch e := evt.(type) {
	case Presence:
		s.dispatch(webhook.SignalPresence, e)
	case MessagesUpsert:
		s.onMessages(ctx, e)
	case ChatsSet:
		if err := s.mirror.ReplaceAll(ctx, e.Chats, s.joinedGroups); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to replace mirrored chats")
		}
	case ChatsUpsert:
		if err := s.mirror.Append(ctx, e.Chats); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to append mirrored chats")
		}
	case ChatsUpdate:
		if err := s.mirror.Patch(ctx, e.Patches); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to update mirrored chats")
		}
	case ChatsDelete:
		if err := s.mirror.Remove(ctx, e.IDs); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to remove mirrored chats")
		}
	case GroupsUpsert:
		for _, g := range e.Groups {
			if err := s.mirror.CreateGroup(ctx, g); err != nil {
				s.logger.Warn().Err(err).Str("group", g.ID).Msg("Failed to mirror new group")
			}
		}
		s.dispatch(webhook.SignalGroupCreated, map[string]any{"data": e.Groups})
	case GroupsUpdate:
		for _, u := range e.Updates {
			if u.Subject == "" {
				continue
			}
			if err := s.mirror.UpdateSubject(ctx, u.ID, u.Subject); err != nil {
				s.logger.Warn().Err(err).Str("group", u.ID).Msg("Failed to mirror group subject")
			}
		}
		s.dispatch(webhook.SignalGroupUpdated, map[string]any{"data": e.Updates})
	case GroupParticipantsUpdate:
		if err := s.mirror.UpdateParticipants(ctx, e.ParticipantsUpdate); err != nil {
			s.logger.Warn().Err(err).Str("group", e.ID).Msg("Failed to mirror participant change")
		}
		s.dispatch(webhook.SignalGroupParticipants, map[string]any{"data": e.ParticipantsUpdate})
	case CallOffer:
		s.dispatch(webhook.SignalCallOffer, map[string]any{
			"id":        e.ID,
			"timestamp": e.Timestamp.Unix(),
			"user": map[string]string{
				"id":               e.From,
				"platform":         e.Platform,
				"platform_version": e.PlatformVersion,
			},
		})
	case CallTerminate:
		s.dispatch(webhook.SignalCallTerminate, map[string]any{
			"id":        e.ID,
			"user":      map[string]string{"id": e.From},
			"timestamp": e.Timestamp.Unix(),
			"reason":    e.Reason,
		})
	}
}

func (s *Session) joinedGroups(ctx context.Context) ([]mirror.GroupMetadata, error) {
	t, err := s.live()
	if err != nil {
		return nil, err
	}
	return t.JoinedGroups(ctx)
}

func (s *Session) onMessages(ctx context.Context, e MessagesUpsert) {
	if e.Type != UpsertNotify {
		return
	}
	t, err := s.live()
	if err != nil {
		return
	}

	if s.opts.MarkRead {
		keys := lo.Map(e.Messages, func(m IncomingMessage, _ int) MessageKey { return m.Key })
		if err := t.MarkRead(ctx, keys); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to mark messages read")
		}
	}

	if !s.webhook.Active() || !s.hooks.Allows(webhook.SignalMessage) {
		return
	}
	for _, m := range e.Messages {
		if utils.IsControlMessage(m.Message) {
			continue
		}
		s.dispatch(webhook.SignalMessage, s.messageBody(ctx, t, m))
	}
}

// messageBody is the message envelope sent to webhooks, with the text and,
// if enabled, the base64 media content added.
func (s *Session) messageBody(ctx context.Context, t Transport, m IncomingMessage) map[string]any {
	body := map[string]any{
		"key":              m.Key,
		"pushName":         m.PushName,
		"messageTimestamp": m.Timestamp.Unix(),
	}
	if raw, err := protojson.Marshal(m.Message); err == nil {
		body["message"] = json.RawMessage(raw)
	} else {
		s.logger.Warn().Err(err).Str("message_id", m.Key.ID).Msg("Failed to encode message")
	}
	if text := utils.MessageText(m.Message); text != "" {
		body["text"] = text
	}

	if s.opts.Base64Media {
		content := ""
		if _, kind := utils.Media(m.Message); kind != utils.MediaNone {
			data, err := t.Download(ctx, m.Message)
			if err != nil {
				s.logger.Warn().Err(err).Str("message_id", m.Key.ID).Str("media", string(kind)).Msg("Failed to download media")
			} else {
				content = base64.StdEncoding.EncodeToString(data)
			}
		}
		body["msgContent"] = content
	}
	return body
}
