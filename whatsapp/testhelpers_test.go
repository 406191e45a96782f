package whatsapp

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"whatsapp-gateway/fault"
	"whatsapp-gateway/mirror"
	"whatsapp-gateway/types"
	"whatsapp-gateway/webhook"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"
)

type fakeAuthState struct {
	key string
}

func (a *fakeAuthState) Key() string                   { return a.key }
func (a *fakeAuthState) Save(ctx context.Context) error { return nil }

type fakeAuthStore struct {
	mu      sync.Mutex
	keys    []string
	drops   []string
	dropAll int

	// when release is set, Drop announces itself on dropping and blocks
	// until release is closed
	dropping chan struct{}
	release  chan struct{}
}

func (f *fakeAuthStore) Keys(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.keys), nil
}

func (f *fakeAuthStore) Load(ctx context.Context, key string) (AuthState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Contains(f.keys, key) {
		f.keys = append(f.keys, key)
	}
	return &fakeAuthState{key: key}, nil
}

func (f *fakeAuthStore) Drop(ctx context.Context, key string) error {
	if f.release != nil {
		select {
		case f.dropping <- struct{}{}:
		default:
		}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = slices.DeleteFunc(f.keys, func(k string) bool { return k == key })
	f.drops = append(f.drops, key)
	return nil
}

func (f *fakeAuthStore) DropAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = nil
	f.dropAll++
	return nil
}

func (f *fakeAuthStore) dropCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.drops {
		if k == key {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	handler Handler
	log     waLog.Logger
	key     string

	mu         sync.Mutex
	closed     bool
	logouts    int
	registered map[string]bool
	lookups    int
	sent       []string
	read       []MessageKey
	groups     []mirror.GroupMetadata
	opErr      error
	media      []byte
	connectErr error
}

func (t *fakeTransport) emit(evt Event) {
	t.handler(evt)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) Connect(ctx context.Context) error { return t.connectErr }

func (t *fakeTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

func (t *fakeTransport) Logout(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logouts++
	return nil
}

func (t *fakeTransport) User() *types.UserInfo {
	return &types.UserInfo{ID: "15550001111@s.whatsapp.net", Name: "Gateway"}
}

func (t *fakeTransport) SendText(ctx context.Context, to, text string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, to+":"+text)
	return "MSG1", nil
}

func (t *fakeTransport) OnWhatsApp(ctx context.Context, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lookups++
	return t.registered[id], nil
}

func (t *fakeTransport) MarkRead(ctx context.Context, keys []MessageKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.read = append(t.read, keys...)
	return nil
}

func (t *fakeTransport) Download(ctx context.Context, msg *waE2E.Message) ([]byte, error) {
	return t.media, nil
}

func (t *fakeTransport) JoinedGroups(ctx context.Context) ([]mirror.GroupMetadata, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.groups, nil
}

func (t *fakeTransport) CreateGroup(ctx context.Context, name string, participants []string) (mirror.GroupMetadata, error) {
	return mirror.GroupMetadata{ID: "999@g.us", Subject: name}, t.opErr
}

func (t *fakeTransport) UpdateParticipants(ctx context.Context, group string, participants []string, action mirror.ParticipantAction) ([]ParticipantResult, error) {
	if t.opErr != nil {
		return nil, t.opErr
	}
	res := make([]ParticipantResult, 0, len(participants))
	for _, p := range participants {
		res = append(res, ParticipantResult{ID: p, Status: 200})
	}
	return res, nil
}

func (t *fakeTransport) SetSubject(ctx context.Context, group, subject string) error { return t.opErr }
func (t *fakeTransport) SetDescription(ctx context.Context, group, description string) error {
	return t.opErr
}
func (t *fakeTransport) SetSetting(ctx context.Context, group string, setting GroupSetting) error {
	return t.opErr
}
func (t *fakeTransport) LeaveGroup(ctx context.Context, group string) error { return t.opErr }
func (t *fakeTransport) InviteCode(ctx context.Context, group string) (string, error) {
	return "INVITE", t.opErr
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	prepare    func(*fakeTransport)
}

func (d *fakeDialer) Dial(ctx context.Context, auth AuthState, log waLog.Logger, handler Handler) (Transport, error) {
	t := &fakeTransport{handler: handler, log: log, key: auth.Key(), registered: map[string]bool{}}
	if d.prepare != nil {
		d.prepare(t)
	}
	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

// dials counts the transports dialed for key, or for every key if empty.
func (d *fakeDialer) dials(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.transports {
		if key == "" || t.key == key {
			n++
		}
	}
	return n
}

func (d *fakeDialer) last(key string) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.transports) - 1; i >= 0; i-- {
		if d.transports[i].key == key {
			return d.transports[i]
		}
	}
	return nil
}

type delivery struct {
	Type        string          `json:"type"`
	Body        json.RawMessage `json:"body"`
	InstanceKey string          `json:"instanceKey"`
}

type hookRecorder struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var d delivery
	if err := json.NewDecoder(r.Body).Decode(&d); err == nil {
		h.mu.Lock()
		h.deliveries = append(h.deliveries, d)
		h.mu.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

func (h *hookRecorder) ofType(typ webhook.EventType) []delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []delivery
	for _, d := range h.deliveries {
		if d.Type == string(typ) {
			out = append(out, d)
		}
	}
	return out
}

type harness struct {
	reg      *Registry
	dialer   *fakeDialer
	auth     *fakeAuthStore
	mirrors  *mirror.SQLStore
	hooks    *webhook.Dispatcher
	detector *fault.Detector
	clock    *clock.Mock
	recorder *hookRecorder
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	mirrors, err := mirror.NewSQLStore(context.Background(), db)
	require.NoError(t, err)

	recorder := &hookRecorder{}
	srv := httptest.NewServer(recorder)
	t.Cleanup(srv.Close)

	h := &harness{
		dialer:   &fakeDialer{},
		auth:     &fakeAuthStore{},
		mirrors:  mirrors,
		hooks:    webhook.NewDispatcher(webhook.Options{}, zerolog.Nop()),
		detector: fault.NewDetector(zerolog.Nop()),
		clock:    clock.NewMock(),
		recorder: recorder,
	}
	opts.Clock = h.clock
	opts.Webhook = types.Webhook{Enabled: true, Endpoint: srv.URL}
	if opts.RestoreInterval == 0 {
		opts.RestoreInterval = time.Millisecond
	}
	h.reg = NewRegistry(opts, Deps{
		Dialer:   h.dialer,
		Auth:     h.auth,
		Mirrors:  mirrors,
		Hooks:    h.hooks,
		Detector: h.detector,
		Logger:   zerolog.Nop(),
	})
	t.Cleanup(h.reg.Shutdown)
	return h
}

func (h *harness) create(t *testing.T, key string) (*Session, *fakeTransport) {
	t.Helper()
	s, err := h.reg.Create(context.Background(), key, nil)
	require.NoError(t, err)
	return s, h.dialer.last(key)
}

// open creates a session and drives it to the open state.
func (h *harness) open(t *testing.T, key string) (*Session, *fakeTransport) {
	t.Helper()
	s, tr := h.create(t, key)
	tr.emit(ConnectionUpdate{Connection: ConnectionOpen})
	require.Equal(t, types.StateOpen, s.State())
	return s, tr
}

// advance lets pending goroutines park on the mock clock, then moves it.
func (h *harness) advance(d time.Duration) {
	time.Sleep(10 * time.Millisecond)
	h.clock.Add(d)
}

func closeWith(status int, message string) ConnectionUpdate {
	return ConnectionUpdate{Connection: ConnectionClose, Close: &fault.Close{StatusCode: status, Message: message}}
}
