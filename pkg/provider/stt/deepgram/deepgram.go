// Package deepgram provides a Deepgram-backed STT provider using the
// Deepgram streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/ringdesk/ringdesk/pkg/provider/stt"
	"github.com/ringdesk/ringdesk/pkg/types"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"

	// preferredModel is tried first; fallbackModel is the stable model used
	// when the preferred one fails the handshake (not yet enabled on the
	// account, regional rollout, deprecation window).
	preferredModel = "nova-3"
	fallbackModel  = "nova-2"

	defaultLanguage   = "en-US"
	defaultEncoding   = "mulaw"
	defaultSampleRate = 8000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel overrides the preferred model (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithEndpoint overrides the streaming endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	endpoint string
	log      *slog.Logger
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    preferredModel,
		endpoint: deepgramEndpoint,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session. A handshake failure
// on the preferred model triggers one silent retry on the fallback model.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, p.buildURL(p.model, cfg), &websocket.DialOptions{HTTPHeader: headers})
	if err != nil && p.model != fallbackModel {
		p.log.Warn("deepgram handshake failed, retrying on fallback model",
			"model", p.model, "fallback", fallbackModel, "err", err)
		conn, _, err = websocket.Dial(ctx, p.buildURL(fallbackModel, cfg), &websocket.DialOptions{HTTPHeader: headers})
	}
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:     conn,
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		events:   make(chan types.SpeechEvent, 16),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}
	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)
	return sess, nil
}

// buildURL constructs the streaming endpoint URL for the given model and
// config.
func (p *Provider) buildURL(model string, cfg stt.StreamConfig) string {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return p.endpoint
	}

	encoding := cfg.Encoding
	if encoding == "" {
		encoding = defaultEncoding
	}
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = defaultSampleRate
	}
	language := cfg.Language
	if language == "" {
		language = defaultLanguage
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", language)
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	if cfg.VADEvents {
		q.Set("vad_events", "true")
	}
	if cfg.UtteranceEndMS > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(cfg.UtteranceEndMS))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ---- session ----

// deepgramResponse covers the three message types the session dispatches on:
// Results, SpeechStarted, UtteranceEnd.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements
// stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	partials chan types.Transcript
	finals   chan types.Transcript
	events   chan types.SpeechEvent
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues an audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Events returns the channel of voice-activity events.
func (s *session) Events() <-chan types.SpeechEvent { return s.events }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask Deepgram to flush buffered audio into a last final.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain whatever was queued before the close.
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages and dispatches them to the output
// channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}

		switch resp.Type {
		case "SpeechStarted":
			s.emitEvent(types.SpeechStarted)
		case "UtteranceEnd":
			s.emitEvent(types.UtteranceEnd)
		case "Results":
			if len(resp.Channel.Alternatives) == 0 {
				continue
			}
			alt := resp.Channel.Alternatives[0]
			if alt.Transcript == "" {
				continue
			}
			t := types.Transcript{
				Text:       alt.Transcript,
				IsFinal:    resp.IsFinal,
				Confidence: alt.Confidence,
			}
			if t.IsFinal {
				s.emit(s.finals, t)
			} else {
				s.emit(s.partials, t)
			}
		}
	}
}

func (s *session) emit(ch chan types.Transcript, t types.Transcript) {
	select {
	case ch <- t:
	case <-s.done:
	}
}

func (s *session) emitEvent(e types.SpeechEvent) {
	select {
	case s.events <- e:
	case <-s.done:
	}
}
