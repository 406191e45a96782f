package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

var persistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_mirror_persist_failures_total",
	Help: "Failed chat mirror reads and writes",
}, []string{"op"})

// GroupLister returns the groups the session currently participates in.
type GroupLister func(ctx context.Context) ([]GroupMetadata, error)

// Mirror is the in-memory chat list of one session backed by a persisted
// document. Every mutation runs under the mirror's mutex, so a read-modify-
// write of the document never interleaves with another one for the same key.
type Mirror struct {
	key    string
	store  Store
	logger zerolog.Logger

	mu     sync.Mutex
	chats  []Chat
	loaded bool
}

func New(key string, store Store, logger zerolog.Logger) *Mirror {
	return &Mirror{
		key:    key,
		store:  store,
		logger: logger.With().Str("component", "mirror").Logger(),
	}
}

// load pulls the persisted document into memory once. Callers hold m.mu.
func (m *Mirror) load(ctx context.Context) error {
	if m.loaded {
		return nil
	}
	doc, err := m.store.Get(ctx, m.key)
	switch {
	case errors.Is(err, ErrNotFound):
		m.chats = nil
	case err != nil:
		persistFailures.WithLabelValues("read").Inc()
		return err
	default:
		m.chats = doc.Chat
	}
	m.loaded = true
	return nil
}

// persist overwrites the stored document with the in-memory list. Callers
// hold m.mu.
func (m *Mirror) persist(ctx context.Context) error {
	if err := m.store.Put(ctx, Document{Key: m.key, Chat: cloneChats(m.chats)}); err != nil {
		persistFailures.WithLabelValues("write").Inc()
		return err
	}
	return nil
}

func (m *Mirror) indexOf(id string) int {
	_, idx, ok := lo.FindIndexOf(m.chats, func(c Chat) bool { return c.ID == id })
	if !ok {
		return -1
	}
	return idx
}

// ReplaceAll swaps the whole list for a bulk chat signal, then merges group
// metadata from groups into matching entries and persists.
func (m *Mirror) ReplaceAll(ctx context.Context, chats []Chat, groups GroupLister) error {
	var metas []GroupMetadata
	if groups != nil {
		var err error
		if metas, err = groups(ctx); err != nil {
			m.logger.Warn().Err(err).Str("instance", m.key).Msg("Group refresh failed, keeping chats without participants")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.chats = cloneChats(chats)
	m.loaded = true
	for _, meta := range metas {
		if idx := m.indexOf(meta.ID); idx >= 0 {
			c := &m.chats[idx]
			c.Participant = append([]Participant(nil), meta.Participants...)
			c.Creation = meta.Creation
			c.SubjectOwner = meta.SubjectOwner
		}
	}
	return m.persist(ctx)
}

// Append adds new chats in memory only; an entry with a known id replaces
// the existing one. The next persisting operation writes them out.
func (m *Mirror) Append(ctx context.Context, chats []Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(ctx); err != nil {
		return err
	}
	for _, c := range cloneChats(chats) {
		if idx := m.indexOf(c.ID); idx >= 0 {
			m.chats[idx] = c
			continue
		}
		m.chats = append(m.chats, c)
	}
	return nil
}

func (m *Mirror) Patch(ctx context.Context, patches []ChatPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(ctx); err != nil {
		return err
	}
	changed := false
	for _, p := range patches {
		if idx := m.indexOf(p.ID); idx >= 0 {
			p.apply(&m.chats[idx])
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return m.persist(ctx)
}

func (m *Mirror) Remove(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(ctx); err != nil {
		return err
	}
	before := len(m.chats)
	m.chats = lo.Reject(m.chats, func(c Chat, _ int) bool { return lo.Contains(ids, c.ID) })
	if len(m.chats) == before {
		return nil
	}
	return m.persist(ctx)
}

// CreateGroup mirrors a newly joined or created group.
func (m *Mirror) CreateGroup(ctx context.Context, meta GroupMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(ctx); err != nil {
		return err
	}
	chat := meta.Chat()
	if idx := m.indexOf(chat.ID); idx >= 0 {
		m.chats[idx] = chat
	} else {
		m.chats = append(m.chats, chat)
	}
	return m.persist(ctx)
}

func (m *Mirror) UpdateSubject(ctx context.Context, id, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(ctx); err != nil {
		return err
	}
	idx := m.indexOf(id)
	if idx < 0 {
		return nil
	}
	m.chats[idx].Name = subject
	return m.persist(ctx)
}

// UpdateParticipants applies a participant action to a mirrored group.
// Removing the group's subject owner drops the whole chat.
func (m *Mirror) UpdateParticipants(ctx context.Context, u ParticipantsUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(ctx); err != nil {
		return err
	}
	idx := m.indexOf(u.ID)
	if idx < 0 {
		return nil
	}
	chat := &m.chats[idx]

	switch u.Action {
	case ActionAdd:
		for _, id := range u.Participants {
			if !hasParticipant(chat.Participant, id) {
				chat.Participant = append(chat.Participant, Participant{ID: id})
			}
		}
	case ActionRemove:
		if chat.SubjectOwner != "" && lo.Contains(u.Participants, chat.SubjectOwner) {
			m.chats = append(m.chats[:idx], m.chats[idx+1:]...)
			break
		}
		chat.Participant = lo.Reject(chat.Participant, func(p Participant, _ int) bool {
			return lo.Contains(u.Participants, p.ID)
		})
	case ActionPromote:
		setRole(chat.Participant, u.Participants, RoleSuperAdmin)
	case ActionDemote:
		setRole(chat.Participant, u.Participants, RoleMember)
	default:
		return fmt.Errorf("unknown participant action %q", u.Action)
	}
	return m.persist(ctx)
}

// EnsureDocument creates an empty persisted document if none exists yet.
func (m *Mirror) EnsureDocument(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.store.Get(ctx, m.key)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		persistFailures.WithLabelValues("read").Inc()
		return err
	}
	m.chats = nil
	m.loaded = true
	return m.persist(ctx)
}

// Drop forgets the in-memory list and deletes the persisted document.
func (m *Mirror) Drop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.chats = nil
	m.loaded = false
	if err := m.store.Delete(ctx, m.key); err != nil {
		persistFailures.WithLabelValues("delete").Inc()
		return err
	}
	return nil
}

func (m *Mirror) Chats(ctx context.Context) ([]Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(ctx); err != nil {
		return nil, err
	}
	return cloneChats(m.chats), nil
}

// Groups returns only the group chats.
func (m *Mirror) Groups(ctx context.Context) ([]Chat, error) {
	chats, err := m.Chats(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(chats, func(c Chat, _ int) bool { return strings.HasSuffix(c.ID, "@g.us") }), nil
}

func (m *Mirror) Find(ctx context.Context, id string) (Chat, bool) {
	chats, err := m.Chats(ctx)
	if err != nil {
		return Chat{}, false
	}
	return lo.Find(chats, func(c Chat) bool { return c.ID == id })
}

func hasParticipant(ps []Participant, id string) bool {
	return lo.ContainsBy(ps, func(p Participant) bool { return p.ID == id })
}

func setRole(ps []Participant, ids []string, role Role) {
	for i := range ps {
		if lo.Contains(ids, ps[i].ID) {
			ps[i].Admin = role
		}
	}
}

func cloneChats(chats []Chat) []Chat {
	if chats == nil {
		return nil
	}
	return lo.Map(chats, func(c Chat, _ int) Chat {
		c.Participant = append([]Participant(nil), c.Participant...)
		return c
	})
}
