package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"whatsapp-gateway/cache"
	"whatsapp-gateway/fault"
	"whatsapp-gateway/mirror"
	"whatsapp-gateway/types"
	"whatsapp-gateway/webhook"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

// Deps are the shared collaborators every session is built from
type Deps struct {
	Dialer   Dialer
	Auth     AuthStore
	Mirrors  mirror.Store
	Hooks    *webhook.Dispatcher
	Detector *fault.Detector
	Logger   zerolog.Logger
}

// Registry holds every live session by key
type Registry struct {
	deps       Deps
	opts       Options
	limiter    *RateLimiter
	recipients *cache.Cache[bool]
	logger     zerolog.Logger

	mutex    sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(opts Options, deps Deps) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		deps:       deps,
		opts:       opts,
		limiter:    NewRateLimiter(opts.SendRate, opts.SendBurst),
		recipients: cache.New[bool]("recipients", cache.Options{Capacity: 4096, Clock: opts.Clock}),
		logger:     deps.Logger.With().Str("component", "registry").Logger(),
		sessions:   make(map[string]*Session),
	}
}

func (r *Registry) newSession(key string, hook types.Webhook) *Session {
	logger := r.deps.Logger.With().Str("instance", key).Logger()
	s := &Session{
		key:        key,
		webhook:    hook,
		opts:       r.opts,
		dialer:     r.deps.Dialer,
		auth:       r.deps.Auth,
		mirror:     mirror.New(key, r.deps.Mirrors, logger),
		hooks:      r.deps.Hooks,
		detector:   r.deps.Detector,
		limiter:    r.limiter,
		recipients: r.recipients,
		clock:      r.opts.Clock,
		logger:     logger,
	}
	s.mu.Lock()
	s.setState(types.StateIdle)
	s.mu.Unlock()
	return s
}

func (r *Registry) add(s *Session) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.sessions[s.key]; exists {
		return ErrDuplicateSession
	}
	r.sessions[s.key] = s
	r.deps.Detector.Subscribe(s.key, s)
	return nil
}

func (r *Registry) remove(key string) *Session {
	r.mutex.Lock()
	s, exists := r.sessions[key]
	delete(r.sessions, key)
	r.mutex.Unlock()
	if !exists {
		return nil
	}
	r.deps.Detector.Unsubscribe(key)
	return s
}

func (r *Registry) Get(key string) (*Session, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	s, exists := r.sessions[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	return s, nil
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mutex.RLock()
	keys := lo.Keys(r.sessions)
	r.mutex.RUnlock()
	slices.Sort(keys)
	return keys
}

func (r *Registry) List() []types.InstanceDetail {
	var details []types.InstanceDetail
	for _, key := range r.Keys() {
		if s, err := r.Get(key); err == nil {
			details = append(details, s.Info())
		}
	}
	return details
}

// Create registers and starts a new session. An empty key gets a random one;
// a nil hook uses the process default.
func (r *Registry) Create(ctx context.Context, key string, hook *types.Webhook) (*Session, error) {
	if key == "" {
		key = uuid.NewString()
	}
	target := r.opts.Webhook
	if hook != nil {
		target = *hook
	}

	s := r.newSession(key, target)
	if err := r.add(s); err != nil {
		s.release()
		return nil, err
	}
	r.logger.Info().Str("instance", key).Msg("Session created")
	return s, s.Init(ctx)
}

// Delete logs the session out, drops its stored state and unregisters it.
func (r *Registry) Delete(ctx context.Context, key string) error {
	s := r.remove(key)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	s.Delete(ctx)
	s.release()
	r.logger.Info().Str("instance", key).Msg("Session deleted")
	return nil
}

// Restore starts a session for every key with stored credentials, one at a
// time and paced by the restore interval. Keys already registered are
// skipped. It returns the keys that were started.
func (r *Registry) Restore(ctx context.Context) ([]string, error) {
	keys, err := r.deps.Auth.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored sessions: %w", err)
	}
	if len(keys) == 0 {
		r.logger.Info().Msg("No stored sessions to restore")
		return nil, nil
	}

	throttle := rate.NewLimiter(rate.Every(r.opts.RestoreInterval), 1)
	var restored []string
	for _, key := range keys {
		s := r.newSession(key, r.opts.Webhook)
		if err := r.add(s); err != nil {
			s.release()
			r.logger.Warn().Str("instance", key).Msg("Session already registered, skipping restore")
			continue
		}
		if err := throttle.Wait(ctx); err != nil {
			r.remove(key)
			s.release()
			return restored, err
		}

		if err := s.Init(ctx); err != nil {
			r.logger.Error().Err(err).Str("instance", key).Msg("Failed to restore session")
			if s.State() == types.StateIdle {
				r.remove(key)
				s.release()
			}
			continue
		}
		restored = append(restored, key)
	}
	r.logger.Info().Int("restored", len(restored)).Int("stored", len(keys)).Msg("Sessions restored")
	return restored, nil
}

func (r *Registry) drain() []*Session {
	r.mutex.Lock()
	sessions := lo.Values(r.sessions)
	r.sessions = make(map[string]*Session)
	r.mutex.Unlock()
	for _, s := range sessions {
		r.deps.Detector.Unsubscribe(s.key)
	}
	return sessions
}

// ResetAll tears down every session, deletes every credential and mirror
// document and leaves the registry empty. It returns the keys that were
// registered.
func (r *Registry) ResetAll(ctx context.Context) ([]string, error) {
	sessions := r.drain()
	keys := make([]string, 0, len(sessions))
	for _, s := range sessions {
		s.Delete(ctx)
		s.release()
		keys = append(keys, s.key)
	}
	slices.Sort(keys)

	var errs []error
	if err := r.deps.Auth.DropAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to drop credentials: %w", err))
	}
	if err := r.deps.Mirrors.DeleteAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to drop chat mirrors: %w", err))
	}
	r.recipients.Clear()
	r.deps.Detector.ResetLatch()
	return keys, errors.Join(errs...)
}

// Shutdown closes every connection and keeps the stored state for the next
// restore.
func (r *Registry) Shutdown() {
	for _, s := range r.drain() {
		s.Close()
		s.release()
	}
	r.recipients.Stop()
}

// Init starts key. A registered session is re-initialised, which is how an
// expired or terminated session comes back; otherwise a new one is created.
func (r *Registry) Init(ctx context.Context, key string, hook *types.Webhook) (types.InstanceDetail, error) {
	if key != "" {
		if s, err := r.Get(key); err == nil {
			err = s.Init(ctx)
			return s.Info(), err
		}
	}
	s, err := r.Create(ctx, key, hook)
	if s == nil {
		return types.InstanceDetail{}, err
	}
	return s.Info(), err
}

func (r *Registry) Info(key string) (types.InstanceDetail, error) {
	s, err := r.Get(key)
	if err != nil {
		return types.InstanceDetail{}, err
	}
	return s.Info(), nil
}

func (r *Registry) SendText(ctx context.Context, key, to, text string) (string, error) {
	s, err := r.Get(key)
	if err != nil {
		return "", err
	}
	return s.SendText(ctx, to, text)
}

func (r *Registry) Groups(ctx context.Context, key string) ([]GroupSummary, error) {
	s, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	return s.Groups(ctx)
}

// withSession runs op on the session registered under key.
func withSession[T any](r *Registry, key string, op func(*Session) (T, error)) (T, error) {
	s, err := r.Get(key)
	if err != nil {
		var zero T
		return zero, err
	}
	return op(s)
}

func (r *Registry) Chats(ctx context.Context, key string) ([]mirror.Chat, error) {
	return withSession(r, key, func(s *Session) ([]mirror.Chat, error) { return s.Chats(ctx) })
}

func (r *Registry) ReadMessage(ctx context.Context, key string, msg MessageKey) error {
	_, err := withSession(r, key, func(s *Session) (struct{}, error) { return struct{}{}, s.ReadMessage(ctx, msg) })
	return err
}

func (r *Registry) CreateGroup(ctx context.Context, key, name string, users []string) (mirror.GroupMetadata, error) {
	return withSession(r, key, func(s *Session) (mirror.GroupMetadata, error) { return s.CreateGroup(ctx, name, users) })
}

func (r *Registry) AddParticipants(ctx context.Context, key, group string, users []string) (types.OperationResult, error) {
	return withSession(r, key, func(s *Session) (types.OperationResult, error) { return s.AddParticipants(ctx, group, users) })
}

func (r *Registry) MakeAdmin(ctx context.Context, key, group string, users []string) (types.OperationResult, error) {
	return withSession(r, key, func(s *Session) (types.OperationResult, error) { return s.MakeAdmin(ctx, group, users) })
}

func (r *Registry) DemoteAdmin(ctx context.Context, key, group string, users []string) (types.OperationResult, error) {
	return withSession(r, key, func(s *Session) (types.OperationResult, error) { return s.DemoteAdmin(ctx, group, users) })
}

func (r *Registry) ParticipantsUpdate(ctx context.Context, key, group string, users []string, action mirror.ParticipantAction) (types.OperationResult, error) {
	return withSession(r, key, func(s *Session) (types.OperationResult, error) {
		return s.ParticipantsUpdate(ctx, group, users, action)
	})
}

func (r *Registry) SettingUpdate(ctx context.Context, key, group string, setting GroupSetting) (types.OperationResult, error) {
	return withSession(r, key, func(s *Session) (types.OperationResult, error) { return s.SettingUpdate(ctx, group, setting) })
}

func (r *Registry) UpdateSubject(ctx context.Context, key, group, subject string) (types.OperationResult, error) {
	return withSession(r, key, func(s *Session) (types.OperationResult, error) { return s.UpdateSubject(ctx, group, subject) })
}

func (r *Registry) UpdateDescription(ctx context.Context, key, group, description string) (types.OperationResult, error) {
	return withSession(r, key, func(s *Session) (types.OperationResult, error) {
		return s.UpdateDescription(ctx, group, description)
	})
}

func (r *Registry) LeaveGroup(ctx context.Context, key, group string) error {
	_, err := withSession(r, key, func(s *Session) (struct{}, error) { return struct{}{}, s.LeaveGroup(ctx, group) })
	return err
}

func (r *Registry) InviteCode(ctx context.Context, key, group string) (string, error) {
	return withSession(r, key, func(s *Session) (string, error) { return s.InviteCode(ctx, group) })
}
