package sync

import (
	"context"
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/folder"
	"github.com/nhle/mailsync/internal/protocol"
)

// State represents the current state of a folder's background refresh.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateError
)

// Status holds the refresh state for a single folder.
type Status struct {
	FolderID string
	State    State
	LastSync time.Time
	Error    error
}

// ResultMsg is a tea.Msg sent when a refresh completes.
type ResultMsg struct {
	FolderID  string
	Refreshed bool
	Error     error
	AuthError bool
}

// refreshTimeout is the maximum time allowed for a single refresh.
const refreshTimeout = 2 * time.Minute

type target struct {
	folderID string
	engine   *Engine
	slice    *folder.Slice
	trigger  chan struct{}
	stop     chan struct{}
}

// Poller periodically refreshes open slices in the background.
type Poller struct {
	log      zerolog.Logger
	interval time.Duration

	mu       gosync.Mutex
	targets  map[string]*target
	statuses map[string]*Status
	resultCh chan ResultMsg
	running  bool
}

// NewPoller creates a Poller that refreshes every interval. Coverage
// refreshed more recently than half the interval is skipped.
func NewPoller(interval time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 120 * time.Second
	}
	return &Poller{
		log:      log,
		interval: interval,
		targets:  make(map[string]*target),
		statuses: make(map[string]*Status),
		resultCh: make(chan ResultMsg, 16),
	}
}

// Register adds a slice to refresh through eng. Registering a folder
// again replaces the previous slice.
func (p *Poller) Register(eng *Engine, sl *folder.Slice) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := eng.Storage().ID()
	if old, ok := p.targets[id]; ok {
		close(old.stop)
	}
	t := &target{
		folderID: id,
		engine:   eng,
		slice:    sl,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	p.targets[id] = t
	if _, ok := p.statuses[id]; !ok {
		p.statuses[id] = &Status{FolderID: id, State: StateIdle}
	}
	if p.running {
		go p.pollFolder(t, t.stop)
	}
}

// Unregister stops refreshing a folder.
func (p *Poller) Unregister(folderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.targets[folderID]; ok {
		close(t.stop)
		delete(p.targets, folderID)
		delete(p.statuses, folderID)
	}
}

// Start launches a goroutine per registered folder.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	for _, t := range p.targets {
		go p.pollFolder(t, t.stop)
	}
}

// Stop halts all polling goroutines.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	for _, t := range p.targets {
		close(t.stop)
		t.stop = make(chan struct{})
	}
	p.running = false
}

// RefreshAll triggers an immediate refresh of every folder.
func (p *Poller) RefreshAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range p.targets {
		select {
		case t.trigger <- struct{}{}:
		default:
			// A refresh is already pending.
		}
	}
}

// RefreshFolder triggers an immediate refresh of one folder.
func (p *Poller) RefreshFolder(folderID string) {
	p.mu.Lock()
	t, ok := p.targets[folderID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Statuses returns the current refresh status of all folders.
func (p *Poller) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, 0, len(p.statuses))
	for _, s := range p.statuses {
		out = append(out, *s)
	}
	return out
}

func (p *Poller) pollFolder(t *target, stop <-chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.refresh(t, false)
		case <-t.trigger:
			p.refresh(t, true)
		}
	}
}

// refresh runs one refresh. Forced refreshes cover the whole envelope;
// timed ones skip coverage that is still fresh.
func (p *Poller) refresh(t *target, force bool) {
	p.setStatus(t.folderID, StateRunning, nil)

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	refreshed := true
	var err error
	if force {
		err = t.engine.Refresh(ctx, t.slice)
	} else {
		refreshed, err = t.engine.RefreshIfStale(ctx, t.slice, p.interval/2)
	}

	if err != nil {
		p.log.Warn().Err(err).Str("folder", t.folderID).Msg("background refresh failed")
		p.setStatus(t.folderID, StateError, err)
		p.sendResult(ResultMsg{
			FolderID:  t.folderID,
			Error:     err,
			AuthError: protocol.IsAuthError(err),
		})
		return
	}

	p.setStatus(t.folderID, StateIdle, nil)
	p.sendResult(ResultMsg{FolderID: t.folderID, Refreshed: refreshed})
}

func (p *Poller) setStatus(folderID string, state State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[folderID]
	if !ok {
		return
	}
	status.State = state
	status.Error = err
	if state == StateIdle {
		status.LastSync = time.Now()
	}
}

// sendResult sends a ResultMsg without blocking.
func (p *Poller) sendResult(msg ResultMsg) {
	select {
	case p.resultCh <- msg:
	default:
		// Drop if channel is full to avoid blocking the poller
	}
}

// Results exposes refresh results to callers outside Bubble Tea.
func (p *Poller) Results() <-chan ResultMsg {
	return p.resultCh
}

// WaitForResult returns a tea.Cmd that waits for the next refresh result.
// Call it again after handling each ResultMsg to keep listening.
func (p *Poller) WaitForResult() tea.Cmd {
	return func() tea.Msg {
		result, ok := <-p.resultCh
		if !ok {
			return nil
		}
		return result
	}
}
