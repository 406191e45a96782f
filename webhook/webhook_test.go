package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"whatsapp-gateway/types"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	payloads []Payload
}

func (r *recorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		data, err := io.ReadAll(req.Body)
		require.NoError(t, err)

		var p Payload
		require.NoError(t, json.Unmarshal(data, &p))
		r.mu.Lock()
		r.payloads = append(r.payloads, p)
		r.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (r *recorder) all() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payload(nil), r.payloads...)
}

func TestParseAllowList(t *testing.T) {
	allow, unknown := ParseAllowList([]string{"qr", " messages.upsert ", "bogus", ""})
	assert.Equal(t, []string{"bogus"}, unknown)
	assert.Len(t, allow, 2)

	allow, unknown = ParseAllowList(nil)
	assert.Empty(t, unknown)
	assert.True(t, allow.Allows(SignalCallOffer))
}

func TestAllowListMatchesSignalKeys(t *testing.T) {
	cases := []struct {
		key     string
		allowed []Signal
		denied  []Signal
	}{
		{"connection:open", []Signal{SignalConnectionOpen}, []Signal{SignalConnectionClose, SignalQR}},
		{"connection.update", []Signal{SignalConnectionOpen, SignalConnectionClose}, []Signal{SignalMessage}},
		{"qr", []Signal{SignalQR, SignalSessionExpired}, []Signal{SignalConnectionOpen}},
		{"groups", []Signal{SignalGroupCreated, SignalGroupUpdated, SignalGroupParticipants}, []Signal{SignalPresence}},
		{"group-participants.update", []Signal{SignalGroupParticipants}, []Signal{SignalGroupUpdated}},
		{"call:offer", []Signal{SignalCallOffer}, []Signal{SignalCallTerminate}},
		{"CB:call", []Signal{SignalCallOffer}, []Signal{SignalCallTerminate}},
		{"system", []Signal{SignalSystem}, []Signal{SignalMessage}},
		{"messages", []Signal{SignalMessage, SignalSystem}, []Signal{SignalQR}},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			allow, unknown := ParseAllowList([]string{tc.key})
			require.Empty(t, unknown)
			for _, s := range tc.allowed {
				assert.True(t, allow.Allows(s), "signal %d", s)
			}
			for _, s := range tc.denied {
				assert.False(t, allow.Allows(s), "signal %d", s)
			}
		})
	}
}

func TestSignalEventTypes(t *testing.T) {
	assert.Equal(t, EventConnection, SignalConnectionClose.Event())
	assert.Equal(t, EventQRCode, SignalQR.Event())
	assert.Equal(t, EventSessionExpired, SignalSessionExpired.Event())
	assert.Equal(t, EventGroupParticipantsUpdated, SignalGroupParticipants.Event())
	assert.Equal(t, EventCallTerminate, SignalCallTerminate.Event())
}

func TestDispatchFiltersByAllowList(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	allow, _ := ParseAllowList([]string{"qr"})
	d := NewDispatcher(Options{Allow: allow, Timeout: time.Second, Workers: 4}, zerolog.Nop())
	target := types.Webhook{Enabled: true, Endpoint: srv.URL}

	assert.False(t, d.Dispatch(target, SignalMessage, map[string]string{"text": "hi"}, "k1"))
	assert.True(t, d.Dispatch(target, SignalQR, "data:image/png;base64,AAA", "k1"))
	d.Wait()

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, EventQRCode, got[0].Type)
	assert.Equal(t, "k1", got[0].InstanceKey)
	assert.Equal(t, "data:image/png;base64,AAA", got[0].Body)
}

func TestDispatchSkipsInactiveTarget(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	d := NewDispatcher(Options{}, zerolog.Nop())
	assert.False(t, d.Dispatch(types.Webhook{Enabled: false, Endpoint: srv.URL}, SignalQR, "x", "k"))
	assert.False(t, d.Dispatch(types.Webhook{Enabled: true}, SignalQR, "x", "k"))
	d.Wait()
	assert.Empty(t, rec.all())
}

func TestDispatchSurvivesEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher(Options{Timeout: time.Second}, zerolog.Nop())
	target := types.Webhook{Enabled: true, Endpoint: srv.URL}
	assert.True(t, d.Dispatch(target, SignalConnectionOpen, map[string]string{"connection": "open"}, "k"))
	assert.True(t, d.Dispatch(types.Webhook{Enabled: true, Endpoint: "http://127.0.0.1:1/unreachable"}, SignalConnectionOpen, nil, "k"))
	d.Wait()
}

func TestDispatchReturnsWhileEndpointHangs(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()

	d := NewDispatcher(Options{Timeout: 5 * time.Second, Workers: 2}, zerolog.Nop())
	target := types.Webhook{Enabled: true, Endpoint: srv.URL}

	start := time.Now()
	for i := 0; i < 5; i++ {
		assert.True(t, d.Dispatch(target, SignalQR, "x", "k"))
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	close(release)
	d.Wait()
}
