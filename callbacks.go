package carbridge

import (
	"carbridge/internal/message"
	"carbridge/internal/session"
)

// callbacks holds every user-settable hook. Prefer setters over exported
// fields so the interface shape stays stable as new hooks are added and so
// test doubles can observe registration order — the same reasoning the
// teacher applies to its Transporter callback setters.
type callbacks struct {
	onStateChanged       func(session.State, error)
	onMediaInfo          func(message.MediaData)
	onLog                func(level, msg string)
	onHostUI             func(event string, data map[string]any)
	onMessageIntercepted func(message.Message)
}

// OnStateChanged registers a hook called on every session state transition.
func (s *Session) OnStateChanged(fn func(state session.State, err error)) {
	s.cbMu.Lock()
	s.cb.onStateChanged = fn
	s.cbMu.Unlock()
}

// OnMediaInfo registers a hook called whenever now-playing metadata arrives.
func (s *Session) OnMediaInfo(fn func(message.MediaData)) {
	s.cbMu.Lock()
	s.cb.onMediaInfo = fn
	s.cbMu.Unlock()
}

// OnLog registers a hook that receives every diagnostic line in addition to
// whatever Logger was injected via Dependencies.
func (s *Session) OnLog(fn func(level, msg string)) {
	s.cbMu.Lock()
	s.cb.onLog = fn
	s.cbMu.Unlock()
}

// OnHostUI registers a hook for adapter-driven UI events (e.g. box settings
// prompts) that the host application may want to surface. The Session
// stores the hook but never calls it: no inbound message is mapped to a host
// UI event.
func (s *Session) OnHostUI(fn func(event string, data map[string]any)) {
	s.cbMu.Lock()
	s.cb.onHostUI = fn
	s.cbMu.Unlock()
}

// OnMessageIntercepted registers a hook called with every parsed inbound
// message, including Opaque ones the session doesn't otherwise act on.
func (s *Session) OnMessageIntercepted(fn func(message.Message)) {
	s.cbMu.Lock()
	s.cb.onMessageIntercepted = fn
	s.cbMu.Unlock()
}

// dispatch* helpers recover from a panicking callback and log it rather
// than letting it unwind into session-internal goroutines (grounded on the
// teacher's recover()-guarded event dispatch in app.go's Wails handlers).

func (s *Session) dispatchStateChanged(st session.State, err error) {
	s.cbMu.RLock()
	fn := s.cb.onStateChanged
	s.cbMu.RUnlock()
	if fn == nil {
		return
	}
	defer s.recoverCallback("OnStateChanged")
	fn(st, err)
}

func (s *Session) dispatchMediaInfo(md message.MediaData) {
	s.cbMu.RLock()
	fn := s.cb.onMediaInfo
	s.cbMu.RUnlock()
	if fn == nil {
		return
	}
	defer s.recoverCallback("OnMediaInfo")
	fn(md)
}

func (s *Session) dispatchMessageIntercepted(msg message.Message) {
	s.cbMu.RLock()
	fn := s.cb.onMessageIntercepted
	s.cbMu.RUnlock()
	if fn == nil {
		return
	}
	defer s.recoverCallback("OnMessageIntercepted")
	fn(msg)
}

func (s *Session) recoverCallback(name string) {
	if r := recover(); r != nil {
		s.logger.Error("callback panicked", "callback", name, "recovered", r)
	}
}
