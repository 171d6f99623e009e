// Package mock provides test doubles for the tts package interfaces.
//
// Provider records synthesis requests and returns canned audio. Session
// records the text chunks sent to a live session and can emit audio frames
// through the captured callback.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/ringdesk/ringdesk/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is the byte slice returned by Synthesize. Defaults to a short
	// non-empty frame.
	Audio []byte

	// SynthesizeErr, if non-nil, is returned by Synthesize.
	SynthesizeErr error

	// OpenSessionErr, if non-nil, is returned by OpenSession.
	OpenSessionErr error

	// SynthesizeCalls records every text passed to Synthesize.
	SynthesizeCalls []string

	// Sessions records every session opened.
	Sessions []*Session
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns Audio, SynthesizeErr.
func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, text)
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	if p.Audio != nil {
		return p.Audio, nil
	}
	return []byte{0xff, 0xff, 0xff, 0xff}, nil
}

// OpenSession returns a new recording Session bound to onAudio.
func (p *Provider) OpenSession(ctx context.Context, onAudio tts.OnAudio) (tts.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenSessionErr != nil {
		return nil, p.OpenSessionErr
	}
	s := &Session{onAudio: onAudio}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// LastSession returns the most recently opened session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// Session is a mock implementation of tts.SessionHandle.
type Session struct {
	mu      sync.Mutex
	onAudio tts.OnAudio

	// SendErr, if non-nil, is returned by Send.
	SendErr error

	// Sent records every chunk passed to Send.
	Sent []string

	finished bool
}

var _ tts.SessionHandle = (*Session)(nil)

// Send records the chunk.
func (s *Session) Send(textChunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return errors.New("mock: session is finished")
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.Sent = append(s.Sent, textChunk)
	return nil
}

// Finish marks the session done. Safe to call more than once.
func (s *Session) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	return nil
}

// EmitAudio pushes a frame through the captured callback, simulating
// provider audio arriving.
func (s *Session) EmitAudio(frame []byte) {
	s.mu.Lock()
	cb := s.onAudio
	s.mu.Unlock()
	if cb != nil {
		cb(frame)
	}
}

// Finished reports whether Finish has been called.
func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Text returns everything sent to the session joined in order.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out string
	for _, chunk := range s.Sent {
		out += chunk
	}
	return out
}
