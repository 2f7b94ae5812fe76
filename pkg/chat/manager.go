package chat

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Backend is the collaborator surface the manager needs: stream opening plus
// the conversation/message CRUD reads.
type Backend interface {
	StreamOpener
	FetchMessages(ctx context.Context, convID, before string, limit int) (MessagePage, error)
	FetchConversation(ctx context.Context, convID string) (ConversationInfo, error)
}

type ManagerConfig struct {
	Backend Backend
	Logger  *zerolog.Logger
	// CacheSize bounds the conversation metadata cache (default 64).
	CacheSize int
	// WindowSize and Overscan shape new transcript windows (defaults 50/8).
	WindowSize int
	Overscan   int
	// PageSize is the server-side pagination size (default 50).
	PageSize int
}

// View is what the rendering layer consumes: the flattened windowed
// transcript plus the derived maps and flags it needs for variant controls.
type View struct {
	Messages []Message
	// Offset is the index of Messages[0] within the full visible transcript.
	Offset       int
	Groups       map[string][]Message
	SideBySide   map[string]bool
	PendingRegen map[string]bool
}

type aborter interface{ Abort() }

// Manager owns the per-conversation session handles, the side-by-side
// controller, windows and the conversation metadata cache. Every cache and
// handle map is keyed by conversation id, so cancelling one conversation
// never touches another.
type Manager struct {
	backend Backend
	store   *Store
	bus     *Bus
	sbs     *Controller
	logger  zerolog.Logger
	cfg     ManagerConfig

	cache *lru.Cache[string, ConversationInfo]

	baseCtx   context.Context
	baseStop  context.CancelFunc
	mu        sync.Mutex
	handles   map[string]map[aborter]struct{}
	regens    map[string]*RegenSession
	windows   map[string]*Window
	selection map[string]Selection
	hasMore   map[string]bool
	listening map[string]bool
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, errors.New("manager requires a backend")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 64
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 50
	}
	if cfg.Overscan < 0 {
		cfg.Overscan = 0
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		backend:   cfg.Backend,
		store:     NewStore(),
		bus:       NewBus(),
		sbs:       NewController(),
		logger:    logger.With().Str("component", "chat_manager").Logger(),
		cfg:       cfg,
		baseCtx:   ctx,
		baseStop:  stop,
		handles:   map[string]map[aborter]struct{}{},
		regens:    map[string]*RegenSession{},
		windows:   map[string]*Window{},
		selection: map[string]Selection{},
		hasMore:   map[string]bool{},
		listening: map[string]bool{},
	}

	cache, err := lru.NewWithEvict(cfg.CacheSize, m.onCacheEvict)
	if err != nil {
		stop()
		return nil, errors.Wrap(err, "create conversation cache")
	}
	m.cache = cache
	return m, nil
}

// Store exposes the canonical message store (single source of truth).
func (m *Manager) Store() *Store { return m.store }

// SideBySide exposes the display-policy controller.
func (m *Manager) SideBySide() *Controller { return m.sbs }

// onCacheEvict drops a conversation's messages only when no session handle
// is still live for it; live conversations just lose their cached metadata.
func (m *Manager) onCacheEvict(convID string, _ ConversationInfo) {
	m.mu.Lock()
	live := len(m.handles[convID]) > 0
	m.mu.Unlock()
	if live {
		return
	}
	m.store.Drop(convID)
	m.logger.Debug().Str("conv_id", convID).Msg("evicted idle conversation")
}

// Send starts a new turn (ensemble when extra configuration ids are given)
// and tracks its abort handle under the conversation.
func (m *Manager) Send(ctx context.Context, req SendRequest, cb SessionCallbacks) (*StreamSession, error) {
	if req.ConversationID == "" {
		return nil, errors.New("send requires a conversation id")
	}
	m.ensureListener(req.ConversationID)

	sess := NewStreamSession(m.store, m.bus, m.backend, m.logger, req, cb)
	m.trackHandle(req.ConversationID, sess)
	if err := sess.Start(ctx); err != nil {
		m.forgetHandle(req.ConversationID, sess)
		return sess, err
	}
	go func() {
		<-sess.Done()
		m.forgetHandle(req.ConversationID, sess)
		m.syncController(req.ConversationID)
	}()
	return sess, nil
}

// Regenerate replaces one assistant message. Only one regeneration may be in
// flight per message id: starting a new one aborts the previous request and
// removes its now-superseded placeholder before splicing a fresh one.
func (m *Manager) Regenerate(ctx context.Context, req RegenerateRequest, cb SessionCallbacks) (*RegenSession, error) {
	if req.ConversationID == "" || req.MessageID == "" {
		return nil, errors.New("regenerate requires conversation and message ids")
	}
	m.ensureListener(req.ConversationID)

	m.mu.Lock()
	prev := m.regens[req.MessageID]
	m.mu.Unlock()
	if prev != nil && prev.Pending() {
		prev.Abort()
		if phID := prev.PlaceholderID(); phID != "" {
			m.store.RemoveWhere(req.ConversationID, func(msg Message) bool { return msg.ID == phID })
		}
	}

	sess := NewRegenSession(m.store, m.bus, m.backend, m.logger, req, cb)
	m.mu.Lock()
	m.regens[req.MessageID] = sess
	m.mu.Unlock()
	m.trackHandle(req.ConversationID, sess)

	if err := sess.Start(ctx); err != nil {
		m.forgetHandle(req.ConversationID, sess)
		return sess, err
	}
	go func() {
		<-sess.Done()
		m.forgetHandle(req.ConversationID, sess)
		m.syncController(req.ConversationID)
	}()
	return sess, nil
}

// PendingRegeneration reports whether a regeneration is in flight for the
// message id.
func (m *Manager) PendingRegeneration(messageID string) bool {
	m.mu.Lock()
	sess := m.regens[messageID]
	m.mu.Unlock()
	return sess != nil && sess.Pending()
}

// CancelConversation aborts every live session for one conversation (e.g. on
// conversation switch or unmount) without touching other conversations.
func (m *Manager) CancelConversation(convID string) {
	m.mu.Lock()
	set := m.handles[convID]
	all := make([]aborter, 0, len(set))
	for h := range set {
		all = append(all, h)
	}
	m.mu.Unlock()
	for _, h := range all {
		h.Abort()
	}
}

// SelectVariant records the chosen variant ordinal for a group and clears
// any auto-engaged side-by-side mode for it (an explicit pick collapses the
// comparison view; a manual side-by-side choice survives).
func (m *Manager) SelectVariant(convID, parentID string, ordinal int) {
	m.mu.Lock()
	sel := m.selection[convID]
	if sel == nil {
		sel = Selection{}
		m.selection[convID] = sel
	}
	sel[parentID] = ordinal
	m.mu.Unlock()
	m.sbs.ClearAuto(convID, parentID)
}

// ClearSelection forgets the per-group picks for a conversation, typically
// from a session's completion callback after an ensemble send.
func (m *Manager) ClearSelection(convID string) {
	m.mu.Lock()
	delete(m.selection, convID)
	m.mu.Unlock()
}

// ToggleSideBySide records a manual display-mode choice.
func (m *Manager) ToggleSideBySide(convID, parentID string, on bool) {
	m.sbs.Toggle(convID, parentID, on)
}

// SetPinned pins or unpins the conversation's window to the transcript tail.
func (m *Manager) SetPinned(convID string, pinned bool) {
	m.mu.Lock()
	w := m.windowForLocked(convID)
	w.Pinned = pinned
	m.mu.Unlock()
}

// View recomputes the derived views from the current store snapshot: variant
// groups, side-by-side flags, pending-regeneration statuses and the clipped
// window over the flattened transcript.
func (m *Manager) View(convID string) View {
	m.mu.Lock()
	sel := m.selection[convID]
	w := m.windowForLocked(convID)
	pending := map[string]bool{}
	for msgID, sess := range m.regens {
		if sess != nil && sess.req.ConversationID == convID && sess.Pending() {
			pending[msgID] = true
		}
	}
	m.mu.Unlock()

	grouping := GroupVariants(m.store.Read(convID), sel)
	m.sbs.Sync(convID, grouping.Groups)
	visible, offset := w.Slice(grouping.Visible)
	return View{
		Messages:     visible,
		Offset:       offset,
		Groups:       grouping.Groups,
		SideBySide:   m.sbs.Modes(convID),
		PendingRegen: pending,
	}
}

// LoadHistory fetches the newest page for a conversation and merges it in.
func (m *Manager) LoadHistory(ctx context.Context, convID string) error {
	page, err := m.backend.FetchMessages(ctx, convID, "", m.cfg.PageSize)
	if err != nil {
		return err
	}
	m.store.MergeByID(convID, page.Messages)
	m.mu.Lock()
	m.hasMore[convID] = page.HasMore
	m.mu.Unlock()
	return nil
}

// LoadOlder expands the window upward by step. When the boundary is already
// resident this is purely local; otherwise the next older page is fetched
// and merged first, and the window expands once the data lands.
func (m *Manager) LoadOlder(ctx context.Context, convID string, step int) error {
	m.mu.Lock()
	w := m.windowForLocked(convID)
	atStart := w.AtStart()
	more := m.hasMore[convID]
	m.mu.Unlock()

	if atStart && more {
		before := ""
		if snapshot := m.store.Read(convID); len(snapshot) > 0 {
			before = snapshot[0].ID
		}
		page, err := m.backend.FetchMessages(ctx, convID, before, m.cfg.PageSize)
		if err != nil {
			return err
		}
		// The page may overlap already-resident ids (MergeByID replaces those
		// in place), so the head shift is the store growth, not the page size.
		lenBefore := m.store.Len(convID)
		m.store.MergeByID(convID, page.Messages)
		added := m.store.Len(convID) - lenBefore
		m.mu.Lock()
		m.hasMore[convID] = page.HasMore
		w.Start += added
		m.mu.Unlock()
	}

	m.mu.Lock()
	w.Expand(step)
	m.mu.Unlock()
	return nil
}

// Conversation returns conversation metadata through the LRU read-through
// cache.
func (m *Manager) Conversation(ctx context.Context, convID string) (ConversationInfo, error) {
	if info, ok := m.cache.Get(convID); ok {
		return info, nil
	}
	info, err := m.backend.FetchConversation(ctx, convID)
	if err != nil {
		return ConversationInfo{}, err
	}
	m.cache.Add(convID, info)
	return info, nil
}

// Close aborts everything and tears the bus down.
func (m *Manager) Close() {
	m.mu.Lock()
	convs := make([]string, 0, len(m.handles))
	for convID := range m.handles {
		convs = append(convs, convID)
	}
	m.mu.Unlock()
	for _, convID := range convs {
		m.CancelConversation(convID)
	}
	m.baseStop()
	if err := m.bus.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("bus close failed")
	}
}

func (m *Manager) ensureListener(convID string) {
	m.mu.Lock()
	already := m.listening[convID]
	if !already {
		m.listening[convID] = true
	}
	m.mu.Unlock()
	if already {
		return
	}
	if err := m.sbs.Listen(m.baseCtx, m.bus, convID); err != nil {
		m.logger.Warn().Err(err).Str("conv_id", convID).Msg("controller listen failed")
	}
}

func (m *Manager) trackHandle(convID string, h aborter) {
	m.mu.Lock()
	set := m.handles[convID]
	if set == nil {
		set = map[aborter]struct{}{}
		m.handles[convID] = set
	}
	set[h] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) forgetHandle(convID string, h aborter) {
	m.mu.Lock()
	if set := m.handles[convID]; set != nil {
		delete(set, h)
		if len(set) == 0 {
			delete(m.handles, convID)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) syncController(convID string) {
	m.mu.Lock()
	sel := m.selection[convID]
	m.mu.Unlock()
	grouping := GroupVariants(m.store.Read(convID), sel)
	m.sbs.Sync(convID, grouping.Groups)
}

func (m *Manager) windowForLocked(convID string) *Window {
	w := m.windows[convID]
	if w == nil {
		w = &Window{Size: m.cfg.WindowSize, Overscan: m.cfg.Overscan, Pinned: true}
		m.windows[convID] = w
	}
	return w
}
