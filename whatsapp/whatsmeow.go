package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"whatsapp-gateway/fault"
	"whatsapp-gateway/mirror"
	"whatsapp-gateway/types"
	"whatsapp-gateway/utils"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/store"
	wtypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	statusQRTimeout  = 408
	statusConflict   = 440
	statusRestart    = 515
	statusConnClosed = 428
	statusStreamErr  = 500

	inviteLinkPrefix = "https://chat.whatsapp.com/"
)

// ClientInfo is how the gateway presents itself as a linked device
type ClientInfo struct {
	Browser string
	Version string
}

// WhatsmeowDialer opens whatsmeow clients on devices from SQLAuthStore
type WhatsmeowDialer struct{}

func NewWhatsmeowDialer(info ClientInfo) *WhatsmeowDialer {
	if info.Browser != "" {
		var v [3]uint32
		_, _ = fmt.Sscanf(info.Version, "%d.%d.%d", &v[0], &v[1], &v[2])
		store.SetOSInfo(info.Browser, v)
	}
	return &WhatsmeowDialer{}
}

func (d *WhatsmeowDialer) Dial(ctx context.Context, auth AuthState, log waLog.Logger, handler Handler) (Transport, error) {
	state, ok := auth.(*DeviceState)
	if !ok {
		return nil, fmt.Errorf("unsupported auth state %T", auth)
	}

	client := whatsmeow.NewClient(state.Device(), log)
	client.EnableAutoReconnect = false
	client.DisableLoginAutoReconnect = true

	lifetime, cancel := context.WithCancel(context.Background())
	t := &whatsmeowTransport{
		client:  client,
		handler: handler,
		ctx:     lifetime,
		cancel:  cancel,
	}
	t.handlerID = client.AddEventHandler(t.dispatch)
	return t, nil
}

type whatsmeowTransport struct {
	client    *whatsmeow.Client
	handler   Handler
	handlerID uint32
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
}

func (t *whatsmeowTransport) emit(evt Event) {
	if t.closed.Load() {
		return
	}
	t.handler(evt)
}

func closeUpdate(status int, message string) ConnectionUpdate {
	return ConnectionUpdate{Connection: ConnectionClose, Close: &fault.Close{StatusCode: status, Message: message}}
}

func (t *whatsmeowTransport) Connect(ctx context.Context) error {
	if t.client.Store.ID == nil {
		qrChan, err := t.client.GetQRChannel(t.ctx)
		if err != nil {
			return fmt.Errorf("failed to open QR channel: %w", err)
		}
		go t.forwardQR(qrChan)
	}
	t.emit(ConnectionUpdate{Connection: ConnectionConnecting})
	if err := t.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (t *whatsmeowTransport) forwardQR(items <-chan whatsmeow.QRChannelItem) {
	for item := range items {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			t.emit(ConnectionUpdate{QR: item.Code})
		case whatsmeow.QRChannelTimeout.Event:
			t.emit(closeUpdate(statusQRTimeout, "QR refs attempts ended"))
		case whatsmeow.QRChannelEventError:
			t.emit(closeUpdate(statusStreamErr, fault.Text("pairing failed:", item.Error)))
		}
	}
}

// Close must not block: it can run inside a whatsmeow event handler, where
// removing handlers synchronously would deadlock.
func (t *whatsmeowTransport) Close() {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.cancel()
		go func() {
			t.client.RemoveEventHandler(t.handlerID)
			t.client.Disconnect()
		}()
	})
}

func (t *whatsmeowTransport) Logout(ctx context.Context) error {
	return t.client.Logout(ctx)
}

func (t *whatsmeowTransport) User() *types.UserInfo {
	if t.client.Store.ID == nil {
		return nil
	}
	return &types.UserInfo{ID: t.client.Store.ID.String(), Name: t.client.Store.PushName}
}

func (t *whatsmeowTransport) dispatch(raw any) {
	switch evt := raw.(type) {
	case *events.Connected:
		t.emit(ConnectionUpdate{Connection: ConnectionOpen})
	case *events.LoggedOut:
		t.emit(closeUpdate(fault.StatusLoggedOut, "logged out: "+evt.Reason.String()))
	case *events.ConnectFailure:
		if evt.Reason.IsLoggedOut() {
			t.emit(closeUpdate(fault.StatusLoggedOut, "logged out: "+evt.Reason.String()))
			return
		}
		t.emit(closeUpdate(int(evt.Reason), fault.Text("connect failure:", evt.Reason.String(), evt.Message)))
	case *events.StreamReplaced:
		t.emit(closeUpdate(statusConflict, "Stream Errored (conflict)"))
	case *events.ManualLoginReconnect:
		t.emit(closeUpdate(statusRestart, "Stream Errored (restart required)"))
	case *events.StreamError:
		if evt.Code == "515" {
			t.emit(closeUpdate(statusRestart, "Stream Errored (restart required)"))
			return
		}
		t.emit(closeUpdate(statusStreamErr, "stream error "+evt.Code))
	case *events.ClientOutdated:
		t.emit(closeUpdate(405, "client outdated"))
	case *events.TemporaryBan:
		t.emit(closeUpdate(403, evt.String()))
	case *events.Disconnected:
		t.emit(closeUpdate(statusConnClosed, "Connection Closed"))
	case *events.PairSuccess:
		t.emit(CredsUpdate{JID: evt.ID.String()})
	case *events.Presence:
		t.emit(Presence{ID: evt.From.String(), Unavailable: evt.Unavailable, LastSeen: evt.LastSeen})
	case *events.Message:
		t.emit(MessagesUpsert{Type: UpsertNotify, Messages: []IncomingMessage{incoming(evt)}})
	case *events.HistorySync:
		t.onHistorySync(evt.Data)
	case *events.Archive:
		archived := evt.Action.GetArchived()
		t.emit(ChatsUpdate{Patches: []mirror.ChatPatch{{ID: evt.JID.String(), Archived: &archived}}})
	case *events.Pin:
		pinned := evt.Action.GetPinned()
		t.emit(ChatsUpdate{Patches: []mirror.ChatPatch{{ID: evt.JID.String(), Pinned: &pinned}}})
	case *events.Mute:
		var until int64
		if evt.Action.GetMuted() {
			until = evt.Action.GetMuteEndTimestamp()
		}
		t.emit(ChatsUpdate{Patches: []mirror.ChatPatch{{ID: evt.JID.String(), MutedUntil: &until}}})
	case *events.DeleteChat:
		t.emit(ChatsDelete{IDs: []string{evt.JID.String()}})
	case *events.JoinedGroup:
		t.emit(GroupsUpsert{Groups: []mirror.GroupMetadata{groupMetadata(&evt.GroupInfo)}})
	case *events.GroupInfo:
		t.onGroupInfo(evt)
	case *events.CallOffer:
		t.emit(CallOffer{
			ID:              evt.CallID,
			From:            evt.From.String(),
			Timestamp:       evt.Timestamp,
			Platform:        evt.RemotePlatform,
			PlatformVersion: evt.RemoteVersion,
		})
	case *events.CallTerminate:
		t.emit(CallTerminate{ID: evt.CallID, From: evt.From.String(), Timestamp: evt.Timestamp, Reason: evt.Reason})
	}
}

func incoming(evt *events.Message) IncomingMessage {
	key := MessageKey{
		RemoteJID: evt.Info.Chat.String(),
		ID:        evt.Info.ID,
		FromMe:    evt.Info.IsFromMe,
	}
	if evt.Info.IsGroup {
		key.Participant = evt.Info.Sender.String()
	}
	return IncomingMessage{Key: key, PushName: evt.Info.PushName, Timestamp: evt.Info.Timestamp, Message: evt.Message}
}

func (t *whatsmeowTransport) onHistorySync(data *waHistorySync.HistorySync) {
	convs := data.GetConversations()
	chats := make([]mirror.Chat, 0, len(convs))
	for _, conv := range convs {
		chats = append(chats, mirror.Chat{
			ID:          conv.GetID(),
			Name:        conv.GetName(),
			Archived:    conv.GetArchived(),
			Pinned:      conv.GetPinned() != 0,
			MutedUntil:  int64(conv.GetMuteEndTime()),
			UnreadCount: int(conv.GetUnreadCount()),
		})
	}
	if data.GetSyncType() == waHistorySync.HistorySync_INITIAL_BOOTSTRAP {
		t.emit(ChatsSet{Chats: chats})
		return
	}
	if len(chats) > 0 {
		t.emit(ChatsUpsert{Chats: chats})
	}
}

func (t *whatsmeowTransport) onGroupInfo(evt *events.GroupInfo) {
	group := evt.JID.String()
	update := GroupUpdate{ID: group}
	changed := false
	if evt.Name != nil {
		update.Subject = evt.Name.Name
		changed = true
	}
	if evt.Topic != nil {
		update.Description = evt.Topic.Topic
		changed = true
	}
	if evt.Announce != nil {
		update.Announce = &evt.Announce.IsAnnounce
		changed = true
	}
	if evt.Locked != nil {
		update.Restrict = &evt.Locked.IsLocked
		changed = true
	}
	if changed {
		t.emit(GroupsUpdate{Updates: []GroupUpdate{update}})
	}

	for action, jids := range map[mirror.ParticipantAction][]wtypes.JID{
		mirror.ActionAdd:     evt.Join,
		mirror.ActionRemove:  evt.Leave,
		mirror.ActionPromote: evt.Promote,
		mirror.ActionDemote:  evt.Demote,
	} {
		if len(jids) == 0 {
			continue
		}
		t.emit(GroupParticipantsUpdate{mirror.ParticipantsUpdate{ID: group, Action: action, Participants: jidStrings(jids)}})
	}
}

func groupMetadata(info *wtypes.GroupInfo) mirror.GroupMetadata {
	owner := info.NameSetBy
	if owner.IsEmpty() {
		owner = info.OwnerJID
	}
	meta := mirror.GroupMetadata{
		ID:           info.JID.String(),
		Subject:      info.Name,
		Participants: make([]mirror.Participant, 0, len(info.Participants)),
	}
	if !owner.IsEmpty() {
		meta.SubjectOwner = owner.String()
	}
	if !info.GroupCreated.IsZero() {
		meta.Creation = info.GroupCreated.Unix()
	}
	for _, p := range info.Participants {
		role := mirror.RoleMember
		switch {
		case p.IsSuperAdmin:
			role = mirror.RoleSuperAdmin
		case p.IsAdmin:
			role = mirror.RoleAdmin
		}
		meta.Participants = append(meta.Participants, mirror.Participant{ID: p.JID.String(), Admin: role})
	}
	return meta
}

func jidStrings(jids []wtypes.JID) []string {
	out := make([]string, len(jids))
	for i, jid := range jids {
		out[i] = jid.String()
	}
	return out
}

func parseJIDs(ids []string) ([]wtypes.JID, error) {
	out := make([]wtypes.JID, 0, len(ids))
	for _, id := range ids {
		jid, err := utils.ParseJID(id)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", id, err)
		}
		out = append(out, jid)
	}
	return out, nil
}

func (t *whatsmeowTransport) SendText(ctx context.Context, to, text string) (string, error) {
	jid, err := utils.ParseJID(to)
	if err != nil {
		return "", err
	}
	resp, err := t.client.SendMessage(ctx, jid, utils.TextMessage(text))
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (t *whatsmeowTransport) OnWhatsApp(ctx context.Context, id string) (bool, error) {
	jid, err := utils.ParseJID(id)
	if err != nil {
		return false, err
	}
	if jid.Server == wtypes.GroupServer {
		_, err := t.client.GetGroupInfo(jid)
		return err == nil, nil
	}
	res, err := t.client.IsOnWhatsApp([]string{"+" + jid.User})
	if err != nil {
		return false, err
	}
	return len(res) > 0 && res[0].IsIn, nil
}

func (t *whatsmeowTransport) MarkRead(ctx context.Context, keys []MessageKey) error {
	var errs []error
	for _, k := range keys {
		chat, err := wtypes.ParseJID(k.RemoteJID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var sender wtypes.JID
		if k.Participant != "" {
			if sender, err = wtypes.ParseJID(k.Participant); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := t.client.MarkRead([]wtypes.MessageID{k.ID}, time.Now(), chat, sender); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *whatsmeowTransport) Download(ctx context.Context, msg *waE2E.Message) ([]byte, error) {
	media, kind := utils.Media(msg)
	if kind == utils.MediaNone {
		return nil, nil
	}
	downloadable, ok := media.(whatsmeow.DownloadableMessage)
	if !ok {
		return nil, fmt.Errorf("%s message is not downloadable", kind)
	}
	return t.client.Download(ctx, downloadable)
}

func (t *whatsmeowTransport) JoinedGroups(ctx context.Context) ([]mirror.GroupMetadata, error) {
	groups, err := t.client.GetJoinedGroups()
	if err != nil {
		return nil, err
	}
	out := make([]mirror.GroupMetadata, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupMetadata(g))
	}
	return out, nil
}

func (t *whatsmeowTransport) CreateGroup(ctx context.Context, name string, participants []string) (mirror.GroupMetadata, error) {
	jids, err := parseJIDs(participants)
	if err != nil {
		return mirror.GroupMetadata{}, err
	}
	info, err := t.client.CreateGroup(whatsmeow.ReqCreateGroup{Name: name, Participants: jids})
	if err != nil {
		return mirror.GroupMetadata{}, err
	}
	return groupMetadata(info), nil
}

func (t *whatsmeowTransport) UpdateParticipants(ctx context.Context, group string, participants []string, action mirror.ParticipantAction) ([]ParticipantResult, error) {
	gjid, err := utils.ParseJID(group)
	if err != nil {
		return nil, err
	}
	jids, err := parseJIDs(participants)
	if err != nil {
		return nil, err
	}
	res, err := t.client.UpdateGroupParticipants(gjid, jids, whatsmeow.ParticipantChange(action))
	if err != nil {
		return nil, err
	}
	out := make([]ParticipantResult, 0, len(res))
	for _, p := range res {
		out = append(out, ParticipantResult{ID: p.JID.String(), Status: p.Error})
	}
	return out, nil
}

func (t *whatsmeowTransport) SetSubject(ctx context.Context, group, subject string) error {
	jid, err := utils.ParseJID(group)
	if err != nil {
		return err
	}
	return t.client.SetGroupName(jid, subject)
}

func (t *whatsmeowTransport) SetDescription(ctx context.Context, group, description string) error {
	jid, err := utils.ParseJID(group)
	if err != nil {
		return err
	}
	return t.client.SetGroupTopic(jid, "", "", description)
}

func (t *whatsmeowTransport) SetSetting(ctx context.Context, group string, setting GroupSetting) error {
	jid, err := utils.ParseJID(group)
	if err != nil {
		return err
	}
	switch setting {
	case SettingAnnouncement, SettingNotAnnouncement:
		return t.client.SetGroupAnnounce(jid, setting == SettingAnnouncement)
	case SettingLocked, SettingUnlocked:
		return t.client.SetGroupLocked(jid, setting == SettingLocked)
	}
	return fmt.Errorf("unknown group setting %q", setting)
}

func (t *whatsmeowTransport) LeaveGroup(ctx context.Context, group string) error {
	jid, err := utils.ParseJID(group)
	if err != nil {
		return err
	}
	return t.client.LeaveGroup(jid)
}

func (t *whatsmeowTransport) InviteCode(ctx context.Context, group string) (string, error) {
	jid, err := utils.ParseJID(group)
	if err != nil {
		return "", err
	}
	link, err := t.client.GetGroupInviteLink(jid, false)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(link, inviteLinkPrefix), nil
}
