package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"whatsapp-gateway/mirror"
	"whatsapp-gateway/types"
	"whatsapp-gateway/whatsapp"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	sessions map[string]types.InstanceDetail
	sent     []string
	lastHook *types.Webhook
	read     []whatsapp.MessageKey
	calls    []string
	denied   bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{sessions: map[string]types.InstanceDetail{
		"alpha": {InstanceKey: "alpha", State: types.StateOpen, PhoneConnected: true},
	}}
}

func (g *fakeGateway) notFound(key string) error {
	return fmt.Errorf("%w: %s", whatsapp.ErrSessionNotFound, key)
}

func (g *fakeGateway) List() []types.InstanceDetail {
	var out []types.InstanceDetail
	for _, d := range g.sessions {
		out = append(out, d)
	}
	return out
}

func (g *fakeGateway) Init(ctx context.Context, key string, hook *types.Webhook) (types.InstanceDetail, error) {
	if key == "" {
		key = "generated"
	}
	g.lastHook = hook
	d := types.InstanceDetail{InstanceKey: key, State: types.StateConnecting}
	g.sessions[key] = d
	return d, nil
}

func (g *fakeGateway) Info(key string) (types.InstanceDetail, error) {
	d, ok := g.sessions[key]
	if !ok {
		return d, g.notFound(key)
	}
	return d, nil
}

func (g *fakeGateway) Delete(ctx context.Context, key string) error {
	if _, ok := g.sessions[key]; !ok {
		return g.notFound(key)
	}
	delete(g.sessions, key)
	return nil
}

func (g *fakeGateway) SendText(ctx context.Context, key, to, text string) (string, error) {
	if _, ok := g.sessions[key]; !ok {
		return "", g.notFound(key)
	}
	if to == "0" {
		return "", whatsapp.ErrNoAccount
	}
	g.sent = append(g.sent, to+":"+text)
	return "MSG1", nil
}

func (g *fakeGateway) Groups(ctx context.Context, key string) ([]whatsapp.GroupSummary, error) {
	if _, ok := g.sessions[key]; !ok {
		return nil, g.notFound(key)
	}
	return []whatsapp.GroupSummary{{Index: 0, Name: "team", JID: "123@g.us"}}, nil
}

func (g *fakeGateway) ReadMessage(ctx context.Context, key string, msg whatsapp.MessageKey) error {
	if _, ok := g.sessions[key]; !ok {
		return g.notFound(key)
	}
	g.read = append(g.read, msg)
	return nil
}

func (g *fakeGateway) Chats(ctx context.Context, key string) ([]mirror.Chat, error) {
	if _, ok := g.sessions[key]; !ok {
		return nil, g.notFound(key)
	}
	return []mirror.Chat{{ID: "123@g.us", Name: "team"}, {ID: "15550002222@s.whatsapp.net"}}, nil
}

func (g *fakeGateway) CreateGroup(ctx context.Context, key, name string, users []string) (mirror.GroupMetadata, error) {
	if _, ok := g.sessions[key]; !ok {
		return mirror.GroupMetadata{}, g.notFound(key)
	}
	return mirror.GroupMetadata{ID: "999@g.us", Subject: name}, nil
}

// outcome records the call and answers with a denial when g.denied is set.
func (g *fakeGateway) outcome(key, call string) (types.OperationResult, error) {
	if _, ok := g.sessions[key]; !ok {
		return types.OperationResult{}, g.notFound(key)
	}
	g.calls = append(g.calls, call)
	if g.denied {
		return types.Denied("unable to " + call), nil
	}
	return types.OK(nil), nil
}

func (g *fakeGateway) AddParticipants(ctx context.Context, key, group string, users []string) (types.OperationResult, error) {
	return g.outcome(key, "add "+group+" "+strings.Join(users, ","))
}

func (g *fakeGateway) MakeAdmin(ctx context.Context, key, group string, users []string) (types.OperationResult, error) {
	return g.outcome(key, "promote "+group+" "+strings.Join(users, ","))
}

func (g *fakeGateway) DemoteAdmin(ctx context.Context, key, group string, users []string) (types.OperationResult, error) {
	return g.outcome(key, "demote "+group+" "+strings.Join(users, ","))
}

func (g *fakeGateway) ParticipantsUpdate(ctx context.Context, key, group string, users []string, action mirror.ParticipantAction) (types.OperationResult, error) {
	return g.outcome(key, string(action)+" "+group+" "+strings.Join(users, ","))
}

func (g *fakeGateway) SettingUpdate(ctx context.Context, key, group string, setting whatsapp.GroupSetting) (types.OperationResult, error) {
	return g.outcome(key, string(setting)+" "+group)
}

func (g *fakeGateway) UpdateSubject(ctx context.Context, key, group, subject string) (types.OperationResult, error) {
	return g.outcome(key, "subject "+group+" "+subject)
}

func (g *fakeGateway) UpdateDescription(ctx context.Context, key, group, description string) (types.OperationResult, error) {
	return g.outcome(key, "description "+group+" "+description)
}

func (g *fakeGateway) LeaveGroup(ctx context.Context, key, group string) error {
	if _, ok := g.sessions[key]; !ok {
		return g.notFound(key)
	}
	if group == "unknown@g.us" {
		return whatsapp.ErrGroupNotFound
	}
	g.calls = append(g.calls, "leave "+group)
	return nil
}

func (g *fakeGateway) InviteCode(ctx context.Context, key, group string) (string, error) {
	if _, ok := g.sessions[key]; !ok {
		return "", g.notFound(key)
	}
	return "INVITE", nil
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestInstanceRoutes(t *testing.T) {
	gw := newFakeGateway()
	h := NewServer(gw, Options{}, zerolog.Nop()).Handler()

	rec, body := do(t, h, http.MethodGet, "/instance/list", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["data"], 1)

	rec, body = do(t, h, http.MethodPost, "/instance/init?key=beta&webhook=true&webhookUrl=http://hooks.local/in", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "beta", body["key"])
	require.NotNil(t, gw.lastHook)
	assert.Equal(t, "http://hooks.local/in", gw.lastHook.Endpoint)

	rec, _ = do(t, h, http.MethodPost, "/instance/init", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, gw.lastHook)

	rec, body = do(t, h, http.MethodGet, "/instance/info/alpha", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["instance_data"].(map[string]any)["phone_connected"])

	rec, body = do(t, h, http.MethodGet, "/instance/info/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, true, body["error"])

	rec, _ = do(t, h, http.MethodDelete, "/instance/delete/beta", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, gw.sessions, "beta")
}

func TestMessageAndGroupRoutes(t *testing.T) {
	gw := newFakeGateway()
	h := NewServer(gw, Options{}, zerolog.Nop()).Handler()

	rec, body := do(t, h, http.MethodPost, "/message/text/alpha", `{"id":"15550002222","message":"hi"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "MSG1", body["data"].(map[string]any)["id"])
	assert.Equal(t, []string{"15550002222:hi"}, gw.sent)

	rec, body = do(t, h, http.MethodPost, "/message/text/alpha", `{"id":"0","message":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no account exists", body["message"])

	rec, _ = do(t, h, http.MethodPost, "/message/text/alpha", `{"id":"1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = do(t, h, http.MethodGet, "/group/list/alpha", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["instance_data"], 1)
}

func TestGroupAdminRoutes(t *testing.T) {
	gw := newFakeGateway()
	h := NewServer(gw, Options{}, zerolog.Nop()).Handler()

	rec, body := do(t, h, http.MethodPost, "/group/create/alpha", `{"name":"team","users":["15550002222"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "999@g.us", body["data"].(map[string]any)["id"])

	rec, body = do(t, h, http.MethodPost, "/group/addparticipant/alpha", `{"id":"123@g.us","users":["1","2"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["error"])

	rec, _ = do(t, h, http.MethodPut, "/group/makeadmin/alpha", `{"id":"123@g.us","users":["1"]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodPut, "/group/demoteadmin/alpha", `{"id":"123@g.us","users":["1"]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/group/participantsupdate/alpha", `{"id":"123@g.us","users":["1"],"action":"remove"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/group/participantsupdate/alpha", `{"id":"123@g.us","users":["1"],"action":"kick"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodPut, "/group/settingsupdate/alpha", `{"id":"123@g.us","action":"locked"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodPut, "/group/updatesubject/alpha", `{"id":"123@g.us","subject":"new"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodPut, "/group/updatedescription/alpha", `{"id":"123@g.us","description":"about"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{
		"add 123@g.us 1,2",
		"promote 123@g.us 1",
		"demote 123@g.us 1",
		"remove 123@g.us 1",
		"locked 123@g.us",
		"subject 123@g.us new",
		"description 123@g.us about",
	}, gw.calls)

	gw.denied = true
	rec, body = do(t, h, http.MethodPost, "/group/addparticipant/alpha", `{"id":"123@g.us","users":["1"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["error"])
	assert.Equal(t, "unable to add 123@g.us 1", body["message"])

	rec, _ = do(t, h, http.MethodPut, "/group/makeadmin/missing", `{"id":"123@g.us","users":["1"]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/group/leave/alpha?id=123@g.us", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodGet, "/group/leave/alpha?id=unknown@g.us", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodGet, "/group/leave/alpha", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = do(t, h, http.MethodGet, "/group/getinvitecode/alpha?id=123@g.us", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "INVITE", body["data"])
}

func TestReadAndChatRoutes(t *testing.T) {
	gw := newFakeGateway()
	h := NewServer(gw, Options{}, zerolog.Nop()).Handler()

	rec, _ := do(t, h, http.MethodPost, "/message/read/alpha", `{"msgKey":{"remoteJid":"a@s.whatsapp.net","id":"M1"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []whatsapp.MessageKey{{RemoteJID: "a@s.whatsapp.net", ID: "M1"}}, gw.read)

	rec, _ = do(t, h, http.MethodPost, "/message/read/alpha", `{"msgKey":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := do(t, h, http.MethodGet, "/misc/chats/alpha", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["data"], 2)

	rec, _ = do(t, h, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestBearerGuard(t *testing.T) {
	h := NewServer(newFakeGateway(), Options{ProtectRoutes: true, Token: "s3cret"}, zerolog.Nop()).Handler()

	rec, _ := do(t, h, http.MethodGet, "/instance/list", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/instance/list", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/instance/list", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
