// Package tab coordinates tabs: each tab owns one terminal device and runs
// sessions created from profiles on it, one at a time.
package tab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/flowterm/internal/bridge"
	"github.com/user/flowterm/internal/db"
	"github.com/user/flowterm/internal/device"
	"github.com/user/flowterm/internal/profile"
	"github.com/user/flowterm/internal/session"
	"github.com/user/flowterm/internal/shell"
)

const (
	defaultKillGrace = 2 * time.Second
	storeTimeout     = 5 * time.Second
)

var (
	ErrNotFound       = errors.New("tab: not found")
	ErrTabRunning     = errors.New("tab: session still running")
	ErrNotCommandTab  = errors.New("tab: not a command tab")
	ErrNoQueueProfile = errors.New("tab: no command profile available")
	ErrClosed         = errors.New("tab: manager closed")
)

// Sink receives tab output and state changes. Implementations must not
// block and must not retain data after TabOutput returns.
type Sink interface {
	TabOutput(tabID string, data []byte)
	TabStatus(info Info)
	TabsChanged(tabs []Info)
}

type nopSink struct{}

func (nopSink) TabOutput(string, []byte) {}
func (nopSink) TabStatus(Info)           {}
func (nopSink) TabsChanged([]Info)       {}

type Config struct {
	Profiles *profile.Registry
	// Store enables session, command and history records. Optional.
	Store *db.DB
	// Worker serves bridge requests issued by sessions. Optional.
	Worker bridge.Worker
	// Hook runs after x-callback commands complete. Optional.
	Hook           session.CompletionHook
	DefaultProfile string
	KillGrace      time.Duration
	// ScrollbackBytes bounds the output kept per tab for replay.
	ScrollbackBytes int
	Logger          *slog.Logger
}

// Manager owns the open tabs.
type Manager struct {
	profiles       *profile.Registry
	sessions       *db.SessionRepo
	commands       *db.CommandRepo
	history        *db.HistoryRepo
	worker         bridge.Worker
	hook           session.CompletionHook
	defaultProfile string
	killGrace      time.Duration
	scrollBytes    int
	logger         *slog.Logger

	mu     sync.RWMutex
	tabs   map[string]*Tab
	order  []string
	active string
	sink   Sink
	closed bool
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Profiles == nil {
		return nil, fmt.Errorf("tab: profile registry is required")
	}
	m := &Manager{
		profiles:       cfg.Profiles,
		worker:         cfg.Worker,
		hook:           cfg.Hook,
		defaultProfile: cfg.DefaultProfile,
		killGrace:      cfg.KillGrace,
		scrollBytes:    cfg.ScrollbackBytes,
		logger:         cfg.Logger,
		tabs:           make(map[string]*Tab),
		sink:           nopSink{},
	}
	if m.killGrace <= 0 {
		m.killGrace = defaultKillGrace
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if cfg.Store != nil {
		conn := cfg.Store.SQL()
		m.sessions = db.NewSessionRepo(conn)
		m.commands = db.NewCommandRepo(conn)
		m.history = db.NewHistoryRepo(conn)
	}
	return m, nil
}

// SetSink replaces the output and status receiver. Nil disables it.
func (m *Manager) SetSink(s Sink) {
	if s == nil {
		s = nopSink{}
	}
	m.mu.Lock()
	m.sink = s
	m.mu.Unlock()
}

// Open creates a tab running profileID. An empty id uses the default
// profile.
func (m *Manager) Open(ctx context.Context, profileID, title string) (*Tab, error) {
	if profileID == "" {
		profileID = m.defaultProfile
	}
	p, err := m.profiles.Lookup(profileID)
	if err != nil {
		return nil, err
	}
	return m.open(ctx, p, title)
}

func (m *Manager) open(ctx context.Context, p *profile.Profile, title string) (*Tab, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if title == "" {
		title = p.Name
	}

	id := uuid.NewString()
	t := &Tab{
		id:      id,
		title:   title,
		profile: p,
		scroll:  newScrollback(m.scrollBytes),
		m:       m,
		logger:  m.logger.With("tab_id", id),
	}
	rows, cols := p.Rows, p.Cols
	if rows <= 0 || cols <= 0 {
		rows, cols = 24, 80
	}
	t.dev = device.New(
		device.WithSize(rows, cols),
		device.WithAutoCR(p.AutoCR || p.Kind == profile.KindQueue),
		device.WithHistory(historyRecorder{t: t}),
		device.WithLogger(t.logger),
	)
	t.dev.AttachOutput(output{t: t})
	t.dev.SetDelegate(t)

	m.mu.Lock()
	m.tabs[id] = t
	m.order = append(m.order, id)
	m.active = id
	m.mu.Unlock()

	if err := t.start(ctx); err != nil {
		m.remove(id)
		t.dev.Close()
		return nil, fmt.Errorf("open tab %q: %w", p.ID, err)
	}
	m.logger.Info("tab opened", "tab_id", id, "profile", p.ID)
	m.publishTabs()
	return t, nil
}

func (m *Manager) Get(id string) (*Tab, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tabs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// List returns the open tabs in opening order.
func (m *Manager) List() []Info {
	m.mu.RLock()
	tabs := make([]*Tab, 0, len(m.order))
	for _, id := range m.order {
		tabs = append(tabs, m.tabs[id])
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(tabs))
	for _, t := range tabs {
		infos = append(infos, t.Info())
	}
	return infos
}

// Focus marks id as the tab the user is looking at.
func (m *Manager) Focus(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tabs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.active = id
	return nil
}

// Active returns the focused tab, or nil.
func (m *Manager) Active() *Tab {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tabs[m.active]
}

// Restart runs a fresh session from the tab's profile on its existing
// device.
func (m *Manager) Restart(ctx context.Context, id string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	return t.start(ctx)
}

// Dispatch runs text on a command tab. The focused tab is used when it is
// an idle command tab; otherwise a new tab is opened so the command does
// not wait behind other work.
func (m *Manager) Dispatch(ctx context.Context, text string, callback *url.URL) (*Tab, error) {
	t := m.Active()
	if t == nil || !t.Available() {
		p, err := m.queueProfile()
		if err != nil {
			return nil, err
		}
		if t, err = m.open(ctx, p, ""); err != nil {
			return nil, err
		}
	}
	if err := t.Enqueue(text, callback); err != nil {
		return nil, err
	}
	return t, nil
}

func (m *Manager) queueProfile() (*profile.Profile, error) {
	if p := m.profiles.Get(m.defaultProfile); p != nil && p.Kind == profile.KindQueue {
		return p, nil
	}
	for _, p := range m.profiles.List() {
		if p.Kind == profile.KindQueue {
			return p, nil
		}
	}
	return nil, ErrNoQueueProfile
}

// Close kills the tab's session, waits for it to finish and destroys the
// device.
func (m *Manager) Close(ctx context.Context, id string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	m.remove(id)
	m.shutdownTab(ctx, t)
	m.logger.Info("tab closed", "tab_id", id)
	m.publishTabs()
	return nil
}

// Shutdown closes every tab. Later Open calls fail with ErrClosed.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	tabs := make([]*Tab, 0, len(m.tabs))
	for _, id := range m.order {
		tabs = append(tabs, m.tabs[id])
	}
	m.tabs = make(map[string]*Tab)
	m.order = nil
	m.active = ""
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tabs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.shutdownTab(ctx, t)
		}()
	}
	wg.Wait()
}

func (m *Manager) shutdownTab(ctx context.Context, t *Tab) {
	if s := t.Session(); s != nil {
		s.Kill()
		waitCtx, cancel := context.WithTimeout(ctx, m.killGrace+time.Second)
		if _, err := s.Wait(waitCtx); err != nil && errors.Is(err, context.DeadlineExceeded) {
			t.logger.Warn("session did not finish before tab close")
		}
		cancel()
	}
	t.dev.Close()
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tabs, id)
	m.order = slices.DeleteFunc(m.order, func(v string) bool { return v == id })
	if m.active == id {
		m.active = ""
		if n := len(m.order); n > 0 {
			m.active = m.order[n-1]
		}
	}
}

func (m *Manager) currentSink() Sink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sink
}

func (m *Manager) publishTabs() {
	m.currentSink().TabsChanged(m.List())
}

func (m *Manager) publishStatus(t *Tab) {
	m.currentSink().TabStatus(t.Info())
}

// historyLister returns the history store as the shell sees it, or nil.
func (m *Manager) historyLister() shell.HistoryLister {
	if m.history == nil {
		return nil
	}
	return m.history
}

func (m *Manager) recordStart(ctx context.Context, t *Tab, s *session.Session) {
	if m.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	rec := &db.SessionRecord{
		ID:      s.ID(),
		TabID:   t.id,
		Profile: t.profile.ID,
		Argv:    s.Params().Argv,
	}
	if err := m.sessions.Create(ctx, rec); err != nil {
		t.logger.Warn("failed to record session", "session_id", s.ID(), "error", err)
	}
}

func (m *Manager) recordFinish(s *session.Session, status int, err error) {
	if m.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	state := db.SessionStatusFinished
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		if errors.Is(err, session.ErrKilled) || errors.Is(err, session.ErrKillTimeout) {
			state = db.SessionStatusKilled
		}
	}
	if ferr := m.sessions.Finish(ctx, s.ID(), state, status, errMsg); ferr != nil {
		m.logger.Warn("failed to record session finish", "session_id", s.ID(), "error", ferr)
	}
}

func (m *Manager) recordCommand(ev session.Event) {
	if m.commands == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var err error
	switch ev.Type {
	case session.EventCommandQueued:
		rec := &db.CommandRecord{
			ID:        ev.Command.ID,
			SessionID: ev.SessionID,
			Text:      ev.Command.Text,
			CreatedAt: ev.Command.QueuedAt,
		}
		if ev.Command.Callback != nil {
			rec.CallbackURL = ev.Command.Callback.String()
		}
		err = m.commands.Create(ctx, rec)
	case session.EventCommandStarted:
		err = m.commands.MarkStarted(ctx, ev.Command.ID)
	case session.EventCommandFinished, session.EventCommandCancelled:
		errMsg := ""
		if ev.Err != nil {
			errMsg = ev.Err.Error()
		}
		err = m.commands.Complete(ctx, ev.Command.ID, commandStatus(ev), ev.Status, errMsg)
	default:
		return
	}
	if err != nil {
		m.logger.Warn("failed to record command", "command_id", ev.Command.ID, "event", ev.Type, "error", err)
	}
}
