package utils

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

// TextMessage builds a plain outgoing text message
func TextMessage(text string) *waE2E.Message {
	return &waE2E.Message{
		Conversation: proto.String(text),
	}
}

// MessageText returns the human-readable text of a message, if any
func MessageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	}
	return ""
}

type MediaKind string

const (
	MediaNone  MediaKind = ""
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// Media returns the downloadable media payload of msg and its kind. Only
// image, video and audio are embedded in webhooks.
func Media(msg *waE2E.Message) (proto.Message, MediaKind) {
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage(), MediaImage
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage(), MediaVideo
	case msg.GetAudioMessage() != nil:
		return msg.GetAudioMessage(), MediaAudio
	}
	return nil, MediaNone
}

// IsControlMessage reports messages that carry no user content: protocol
// messages and bare sender-key distributions.
func IsControlMessage(msg *waE2E.Message) bool {
	if msg == nil {
		return true
	}
	if msg.GetProtocolMessage() != nil {
		return true
	}
	if msg.GetSenderKeyDistributionMessage() == nil {
		return false
	}
	bare := proto.Clone(msg).(*waE2E.Message)
	bare.SenderKeyDistributionMessage = nil
	bare.MessageContextInfo = nil
	return proto.Size(bare) == 0
}
