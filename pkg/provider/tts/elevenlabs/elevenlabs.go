// Package elevenlabs provides an ElevenLabs-backed TTS provider. One-shot
// synthesis uses the HTTP streaming endpoint; live sessions use the
// stream-input WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/ringdesk/ringdesk/pkg/provider/tts"
)

const (
	httpEndpoint = "https://api.elevenlabs.io"
	wsEndpoint   = "wss://api.elevenlabs.io"

	defaultModel = "eleven_flash_v2_5"
	defaultVoice = "21m00Tcm4TlvDq8ikWAM"

	// outputFormat is fixed: the telephony media stream takes raw 8 kHz
	// μ-law and nothing else.
	outputFormat = "ulaw_8000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithVoice sets the voice ID used for all synthesis.
func WithVoice(voiceID string) Option {
	return func(p *Provider) { p.voiceID = voiceID }
}

// WithEndpoints overrides the HTTP and WebSocket endpoints. Used by tests.
func WithEndpoints(httpBase, wsBase string) Option {
	return func(p *Provider) {
		p.httpBase = httpBase
		p.wsBase = wsBase
	}
}

// Provider implements tts.Provider backed by the ElevenLabs API.
type Provider struct {
	apiKey     string
	model      string
	voiceID    string
	httpBase   string
	wsBase     string
	httpClient *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		voiceID:    defaultVoice,
		httpBase:   httpEndpoint,
		wsBase:     wsEndpoint,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- one-shot synthesis ----

type synthesizeRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

func defaultSettings() *voiceSettings {
	return &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
}

// Synthesize produces the complete μ-law audio for text via the HTTP
// streaming endpoint.
func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	payload, err := json.Marshal(synthesizeRequest{
		Text:          text,
		ModelID:       p.model,
		VoiceSettings: defaultSettings(),
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=%s", p.httpBase, p.voiceID, outputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("elevenlabs: synthesize: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	return audio, nil
}

// ---- live session ----

// textMessage is the JSON payload for each text fragment over the WebSocket.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
}

// audioResponse is a message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded μ-law
	IsFinal bool   `json:"isFinal"`
}

// OpenSession returns a usable handle immediately and dials the stream-input
// WebSocket in the background. Text sent before the dial completes is queued
// and flushed in order once the connection is up.
func (p *Provider) OpenSession(ctx context.Context, onAudio tts.OnAudio) (tts.SessionHandle, error) {
	if onAudio == nil {
		return nil, errors.New("elevenlabs: onAudio must not be nil")
	}
	s := &session{
		provider: p,
		onAudio:  onAudio,
		opened:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go s.open(ctx)
	return s, nil
}

// session is a live stream-input session. It implements tts.SessionHandle.
type session struct {
	provider *Provider
	onAudio  tts.OnAudio

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  []string // text queued before the connection opened
	finished bool
	dialErr  error

	opened   chan struct{}
	readDone chan struct{}
	once     sync.Once
}

// open dials the WebSocket, sends the handshake, flushes the pre-open queue,
// and starts the read loop.
func (s *session) open(ctx context.Context) {
	defer close(s.opened)

	wsURL := fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s",
		s.provider.wsBase, s.provider.voiceID, s.provider.model, outputFormat)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		s.mu.Lock()
		s.dialErr = fmt.Errorf("elevenlabs: dial: %w", err)
		s.mu.Unlock()
		close(s.readDone)
		return
	}

	// Handshake: a non-empty first text authenticates and configures the
	// stream.
	boi, _ := json.Marshal(textMessage{
		Text:          " ",
		VoiceSettings: defaultSettings(),
		XiAPIKey:      s.provider.apiKey,
	})
	if err := conn.Write(ctx, websocket.MessageText, boi); err != nil {
		s.mu.Lock()
		s.dialErr = fmt.Errorf("elevenlabs: handshake: %w", err)
		s.mu.Unlock()
		conn.Close(websocket.StatusInternalError, "handshake failed")
		close(s.readDone)
		return
	}

	go s.readLoop(ctx, conn)

	s.mu.Lock()
	s.conn = conn
	pending := s.pending
	s.pending = nil
	finished := s.finished
	s.mu.Unlock()

	for _, chunk := range pending {
		s.write(ctx, conn, chunk)
	}
	if finished {
		// Finish raced the dial: flush now that the queue is delivered.
		s.write(ctx, conn, "")
	}
}

func (s *session) write(ctx context.Context, conn *websocket.Conn, text string) {
	msg, _ := json.Marshal(textMessage{Text: text})
	_ = conn.Write(ctx, websocket.MessageText, msg)
}

// readLoop decodes audio messages and feeds the callback until the provider
// signals the final frame or the connection drops.
func (s *session) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(s.readDone)
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Audio != "" {
			if frame, err := base64.StdEncoding.DecodeString(resp.Audio); err == nil {
				s.onAudio(frame)
			}
		}
		if resp.IsFinal {
			return
		}
	}
}

// Send queues or transmits one text chunk.
func (s *session) Send(textChunk string) error {
	if textChunk == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return errors.New("elevenlabs: session is finished")
	}
	if s.dialErr != nil {
		return s.dialErr
	}
	if s.conn == nil {
		s.pending = append(s.pending, textChunk)
		return nil
	}
	s.write(context.Background(), s.conn, textChunk)
	return nil
}

// Finish flushes pending text and waits for the remaining audio.
func (s *session) Finish() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.finished = true
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			// Empty text is the end-of-input flush command.
			s.write(context.Background(), conn, "")
		}
		<-s.opened
		<-s.readDone

		s.mu.Lock()
		conn = s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "done")
		}
	})
	return nil
}
