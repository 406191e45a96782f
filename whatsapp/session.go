package whatsapp

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"whatsapp-gateway/cache"
	"whatsapp-gateway/fault"
	"whatsapp-gateway/mirror"
	"whatsapp-gateway/types"
	"whatsapp-gateway/webhook"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	waLog "go.mau.fi/whatsmeow/util/log"
)

var (
	sessionStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_sessions",
		Help: "Registered sessions by lifecycle state",
	}, []string{"state"})
	connectionCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_connection_closes_total",
		Help: "Transport closes by fault category",
	}, []string{"category"})
	reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_reconnects_total",
		Help: "Scheduled transient reconnects by fault category",
	}, []string{"category"})
	faultRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_fault_recoveries_total",
		Help: "Credential reset cycles started after a crypto fault",
	})
	qrChallenges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_qr_challenges_total",
		Help: "Pairing challenges rendered",
	})
)

// Session is the connection lifecycle of one tenant. Every transport it dials
// is tagged with a generation; events and fault reports carrying an older
// generation belong to a detached transport and are ignored.
type Session struct {
	key        string
	webhook    types.Webhook
	opts       Options
	dialer     Dialer
	auth       AuthStore
	mirror     *mirror.Mirror
	hooks      *webhook.Dispatcher
	detector   *fault.Detector
	limiter    *RateLimiter
	recipients *cache.Cache[bool]
	clock      clock.Clock
	logger     zerolog.Logger

	// storage orders credential loads against drops so a drop can never
	// land under a connection dialed after it was decided.
	storage sync.Mutex

	mu           sync.Mutex
	state        types.State
	generation   uint64
	transport    Transport
	authState    AuthState
	qr           string
	qrRetry      int
	online       bool
	closed       bool
	reconnecting bool
	recovering   bool
}

func (s *Session) Key() string {
	return s.key
}

func (s *Session) State() types.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState moves the session to next. Callers hold s.mu.
func (s *Session) setState(next types.State) {
	if s.state == next {
		return
	}
	if s.state != "" {
		sessionStates.WithLabelValues(string(s.state)).Dec()
	}
	sessionStates.WithLabelValues(string(next)).Inc()
	s.state = next
}

// detach drops the current transport and bumps the generation so that
// anything still arriving from it is ignored. Callers hold s.mu and close
// the returned transport after unlocking.
func (s *Session) detach() Transport {
	old := s.transport
	s.transport = nil
	s.generation++
	s.online = false
	return old
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation
}

// live returns the transport if the session is in a state that owns one.
func (s *Session) live() (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.HasTransport() || s.transport == nil {
		return nil, ErrNotConnected
	}
	return s.transport, nil
}

// connected returns the transport of an open session. Caller operations go
// through here; a session that is still pairing has nothing to send with.
func (s *Session) connected() (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.StateOpen || s.transport == nil {
		return nil, ErrNotConnected
	}
	return s.transport, nil
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), handlerTimeout)
}

// Init discards any previous transport, loads the credentials and opens a
// fresh connection.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	old := s.detach()
	gen := s.generation
	s.qr = ""
	s.qrRetry = 0
	s.closed = false
	s.setState(types.StateConnecting)
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	s.storage.Lock()
	auth, err := s.auth.Load(ctx, s.key)
	s.storage.Unlock()
	if err != nil {
		s.abandon(gen)
		return fmt.Errorf("failed to load credentials for %s: %w", s.key, err)
	}

	sink := fault.NewLogSink(waLog.Zerolog(s.logger.With().Str("module", "whatsmeow").Logger()), s.detector, func() {
		s.requestRecovery(gen)
	})
	t, err := s.dialer.Dial(ctx, auth, sink, func(evt Event) { s.handle(gen, evt) })
	if err != nil {
		s.abandon(gen)
		return fmt.Errorf("failed to dial %s: %w", s.key, err)
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		t.Close()
		return nil
	}
	s.transport = t
	s.authState = auth
	s.mu.Unlock()

	if err := t.Connect(ctx); err != nil {
		s.route(gen, fault.ClassifyError(err), err.Error())
		return fmt.Errorf("failed to connect %s: %w", s.key, err)
	}
	return nil
}

func (s *Session) abandon(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.generation {
		s.setState(types.StateIdle)
	}
}

func (s *Session) handle(gen uint64, evt Event) {
	if !s.current(gen) {
		return
	}
	switch e := evt.(type) {
	case ConnectionUpdate:
		if e.QR != "" {
			s.onQR(gen, e.QR)
		}
		switch e.Connection {
		case ConnectionConnecting:
			s.mu.Lock()
			if gen == s.generation {
				s.qrRetry = 0
			}
			s.mu.Unlock()
		case ConnectionOpen:
			s.onOpen(gen)
		case ConnectionClose:
			var c fault.Close
			if e.Close != nil {
				c = *e.Close
			}
			s.onClose(gen, c)
		}
	case CredsUpdate:
		s.onCreds()
	default:
		s.onContent(evt)
	}
}

func (s *Session) onOpen(gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.qr = ""
	s.qrRetry = 0
	s.online = true
	s.setState(types.StateOpen)
	s.mu.Unlock()

	ctx, cancel := opContext()
	defer cancel()
	if err := s.mirror.EnsureDocument(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to create chat mirror document")
	}
	s.logger.Info().Msg("Connection open")
	s.dispatch(webhook.SignalConnectionOpen, map[string]string{"connection": string(ConnectionOpen)})
}

// onClose classifies a close exactly once and routes it.
func (s *Session) onClose(gen uint64, c fault.Close) {
	s.route(gen, fault.Classify(c), c.String())
}

func (s *Session) route(gen uint64, category fault.Category, reason string) {
	connectionCloses.WithLabelValues(string(category)).Inc()
	s.logger.Info().Str("reason", reason).Str("category", string(category)).Msg("Connection closed")

	switch {
	case !category.Terminal():
		// unrecognised closes take the transient path too
		s.scheduleReconnect(gen, category)
	case category == fault.CryptoFault:
		s.requestRecovery(gen)
	default:
		s.terminate(gen)
	}
}

func (s *Session) terminate(gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	old := s.detach()
	pending := s.generation
	s.closed = true
	s.qr = ""
	s.setState(types.StateTerminated)
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	ctx, cancel := opContext()
	defer cancel()
	if s.dropStateAt(ctx, pending) {
		s.logger.Warn().Msg("Session logged out, credentials dropped")
	}
}

// dropStateAt drops the stored state only while the session is still at
// generation gen. It reports whether it did.
func (s *Session) dropStateAt(ctx context.Context, gen uint64) bool {
	s.storage.Lock()
	defer s.storage.Unlock()
	if !s.current(gen) {
		return false
	}
	s.dropState(ctx)
	return true
}

// dropState removes the credentials and the mirrored chats. Failures are
// logged; the session carries on.
func (s *Session) dropState(ctx context.Context) {
	if err := s.auth.Drop(ctx, s.key); err != nil {
		s.logger.Error().Err(err).Msg("Failed to drop credentials")
	}
	if err := s.mirror.Drop(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to delete chat mirror document")
	}
}

func reconnectDelay(category fault.Category) time.Duration {
	if category == fault.Conflict {
		return ConflictDelay
	}
	return RestartDelay
}

func (s *Session) scheduleReconnect(gen uint64, category fault.Category) {
	s.mu.Lock()
	if gen != s.generation || s.reconnecting || s.recovering {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	old := s.detach()
	pending := s.generation
	s.setState(types.StateReconnectPending)
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	delay := reconnectDelay(category)
	reconnects.WithLabelValues(string(category)).Inc()
	s.logger.Info().Dur("delay", delay).Str("category", string(category)).Msg("Scheduling reconnect")
	s.dispatch(webhook.SignalConnectionClose, map[string]string{"connection": string(ConnectionClose)})

	go func() {
		s.clock.Sleep(delay)

		s.mu.Lock()
		s.reconnecting = false
		proceed := pending == s.generation && s.state == types.StateReconnectPending
		s.mu.Unlock()
		if !proceed {
			return
		}

		ctx, cancel := opContext()
		defer cancel()
		if err := s.Init(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Reconnect failed")
		}
	}()
}

// RecoverFromFault is called by the process-wide detector. Closed and
// never-started sessions are left alone.
func (s *Session) RecoverFromFault() {
	s.mu.Lock()
	gen, idle := s.generation, s.closed || s.state == types.StateIdle
	s.mu.Unlock()
	if idle {
		return
	}
	s.requestRecovery(gen)
}

// requestRecovery starts one credential reset cycle for the connection of
// generation gen. Reports about a connection that is already gone, or made
// while a cycle runs, are no-ops.
func (s *Session) requestRecovery(gen uint64) {
	s.mu.Lock()
	if s.recovering || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.recovering = true
	old := s.detach()
	pending := s.generation
	s.closed = true
	s.setState(types.StateFaultRecovering)
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	faultRecoveries.Inc()
	s.logger.Error().Msg("Crypto fault detected, resetting credentials")

	go func() {
		ctx, cancel := opContext()
		defer cancel()

		dropped := s.dropStateAt(ctx, pending)

		s.mu.Lock()
		s.recovering = false
		proceed := dropped && pending == s.generation && s.state == types.StateFaultRecovering
		s.mu.Unlock()
		if !proceed {
			return
		}

		if err := s.Init(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to reinitialize after crypto fault")
			return
		}
		s.logger.Info().Msg("Reinitialized after crypto fault, a new QR is required")
	}()
}

func encodeQR(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

func (s *Session) onQR(gen uint64, code string) {
	s.mu.Lock()
	accepting := gen == s.generation && s.state == types.StateConnecting
	s.mu.Unlock()
	if !accepting {
		return
	}

	url, err := encodeQR(code)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to render QR")
		return
	}

	s.mu.Lock()
	if gen != s.generation || s.state != types.StateConnecting {
		s.mu.Unlock()
		return
	}
	s.qrRetry++
	retry := s.qrRetry
	s.qr = url
	expired := retry >= s.opts.MaxRetryQR
	var stale Transport
	if expired {
		stale = s.detach()
		s.closed = true
		s.qr = QRExpired
		s.setState(types.StateExpired)
	}
	s.mu.Unlock()

	qrChallenges.Inc()
	s.dispatch(webhook.SignalQR, map[string]any{"qr": url, "retry": retry})
	if !expired {
		return
	}

	if stale != nil {
		stale.Close()
	}
	s.logger.Info().Int("retry", retry).Msg("QR retry budget spent, session expired")
	s.dispatch(webhook.SignalSessionExpired, map[string]any{"reason": "max_retry_qr", "retry": retry})
}

func (s *Session) onCreds() {
	s.mu.Lock()
	auth := s.authState
	s.mu.Unlock()
	if auth == nil {
		return
	}
	ctx, cancel := opContext()
	defer cancel()
	if err := auth.Save(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to save credentials")
	}
}

func (s *Session) dispatch(sig webhook.Signal, body any) {
	s.hooks.Dispatch(s.webhook, sig, body, s.key)
}

// Info is the public view of the session.
func (s *Session) Info() types.InstanceDetail {
	s.mu.Lock()
	defer s.mu.Unlock()

	detail := types.InstanceDetail{
		InstanceKey:    s.key,
		PhoneConnected: s.online,
		State:          s.state,
		QR:             s.qr,
		QRRetry:        s.qrRetry,
	}
	if s.webhook.Active() {
		detail.WebhookURL = s.webhook.Endpoint
	}
	if s.online && s.transport != nil {
		detail.User = s.transport.User()
	}
	return detail
}

// Close tears the connection down without touching stored state.
func (s *Session) Close() {
	s.mu.Lock()
	old := s.detach()
	s.closed = true
	s.setState(types.StateTerminated)
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Delete logs out if connected, closes the connection and removes the
// credentials and the chat mirror.
func (s *Session) Delete(ctx context.Context) {
	if t, err := s.live(); err == nil {
		if err := t.Logout(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Logout failed")
		}
	}
	s.Close()
	s.storage.Lock()
	s.dropState(ctx)
	s.storage.Unlock()
	s.limiter.Forget(s.key)
}

// release takes the session out of the state gauge once unregistered.
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != "" {
		sessionStates.WithLabelValues(string(s.state)).Dec()
		s.state = ""
	}
}
