package llm

import (
	"context"
	"fmt"
	"sync"
)

// Response is one canned reply. A non-nil Err is returned instead of Text.
type Response struct {
	Text string
	Err  error
}

// Scripted replays queued responses per action. The last queued response
// for an action repeats once the queue is drained. Actions without a script
// fall through to Fallback.
type Scripted struct {
	mu       sync.Mutex
	name     string
	scripts  map[string][]Response
	calls    []Request
	Fallback func(req Request) (string, error)
}

// NewScripted returns an empty Scripted provider.
func NewScripted() *Scripted {
	return &Scripted{name: "scripted", scripts: make(map[string][]Response)}
}

// On queues responses for an action.
func (s *Scripted) On(action string, rs ...Response) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[action] = append(s.scripts[action], rs...)
	return s
}

// Name returns the provider name.
func (s *Scripted) Name() string { return s.name }

// Complete records the request and returns the next scripted response.
func (s *Scripted) Complete(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	queue := s.scripts[req.Action]
	var (
		resp Response
		ok   bool
	)
	if len(queue) > 0 {
		resp, ok = queue[0], true
		if len(queue) > 1 {
			s.scripts[req.Action] = queue[1:]
		}
	}
	fallback := s.Fallback
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", TranslateError(s.name, err)
	}
	if ok {
		return resp.Text, resp.Err
	}
	if fallback != nil {
		return fallback(req)
	}
	return "", NewPermanent(s.name, fmt.Sprintf("no scripted response for %q", req.Action), nil)
}

// Calls returns every request received so far.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many requests were made for action, or for all
// actions when action is empty.
func (s *Scripted) CallCount(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if action == "" {
		return len(s.calls)
	}
	n := 0
	for _, c := range s.calls {
		if c.Action == action {
			n++
		}
	}
	return n
}
