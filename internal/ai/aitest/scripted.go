// Package aitest provides a scripted completion source for tests.
package aitest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/suPer8Hu/gopherchat/internal/ai"
)

// Step is one scripted upstream event. A step with Err set ends the stream
// with that error.
type Step struct {
	Delta        string
	FinishReason string
	Model        string
	Usage        *ai.Usage
	Delay        time.Duration
	Err          error
}

// Provider replays Steps for every StreamChat call.
type Provider struct {
	Steps []Step
	// OpenErr fails StreamChat itself.
	OpenErr error
	// Hang blocks Recv after the last step until the context ends.
	Hang bool
	// Gate, when set, is received from before the first step is replayed.
	Gate chan struct{}

	mu       sync.Mutex
	requests []ai.Request
	closed   int
}

func (p *Provider) StreamChat(ctx context.Context, req ai.Request) (ai.Stream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	steps := append([]Step(nil), p.Steps...)
	return &stream{ctx: ctx, p: p, steps: steps}, nil
}

// Requests returns every request received so far.
func (p *Provider) Requests() []ai.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ai.Request(nil), p.requests...)
}

func (p *Provider) LastRequest() (ai.Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return ai.Request{}, false
	}
	return p.requests[len(p.requests)-1], true
}

// Closed reports how many streams were closed.
func (p *Provider) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type stream struct {
	ctx    context.Context
	p      *Provider
	steps  []Step
	i      int
	gated  bool
	closed bool
}

func (s *stream) Recv() (ai.Chunk, error) {
	if !s.gated && s.p.Gate != nil {
		s.gated = true
		select {
		case <-s.p.Gate:
		case <-s.ctx.Done():
			return ai.Chunk{}, s.ctx.Err()
		}
	}

	if s.i >= len(s.steps) {
		if s.p.Hang {
			<-s.ctx.Done()
			return ai.Chunk{}, s.ctx.Err()
		}
		return ai.Chunk{}, io.EOF
	}
	st := s.steps[s.i]
	s.i++

	if st.Delay > 0 {
		t := time.NewTimer(st.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.ctx.Done():
			return ai.Chunk{}, s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		return ai.Chunk{}, err
	}
	if st.Err != nil {
		return ai.Chunk{}, st.Err
	}
	return ai.Chunk{Delta: st.Delta, FinishReason: st.FinishReason, Model: st.Model, Usage: st.Usage}, nil
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.p.mu.Lock()
	s.p.closed++
	s.p.mu.Unlock()
	return nil
}

// Deltas is shorthand for a script of plain text chunks.
func Deltas(parts ...string) []Step {
	out := make([]Step, 0, len(parts))
	for _, p := range parts {
		out = append(out, Step{Delta: p})
	}
	return out
}
