package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ringdesk/ringdesk/pkg/provider/stt"
	"github.com/ringdesk/ringdesk/pkg/types"
)

func TestNew(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("empty api key accepted")
	}
	p, err := New("key", WithModel("base"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if p.model != "base" {
		t.Errorf("model = %q", p.model)
	}
}

func TestBuildURL(t *testing.T) {
	p, _ := New("key")
	u := p.buildURL("nova-3", stt.StreamConfig{
		Encoding:       "mulaw",
		SampleRate:     8000,
		VADEvents:      true,
		UtteranceEndMS: 1000,
	})

	for _, want := range []string{
		"model=nova-3",
		"encoding=mulaw",
		"sample_rate=8000",
		"channels=1",
		"interim_results=true",
		"vad_events=true",
		"utterance_end_ms=1000",
		"language=en-US",
	} {
		if !strings.Contains(u, want) {
			t.Errorf("url %q missing %q", u, want)
		}
	}

	t.Run("defaults fill empty config", func(t *testing.T) {
		u := p.buildURL("nova-2", stt.StreamConfig{})
		for _, want := range []string{"encoding=mulaw", "sample_rate=8000", "model=nova-2"} {
			if !strings.Contains(u, want) {
				t.Errorf("url %q missing %q", u, want)
			}
		}
		if strings.Contains(u, "vad_events") || strings.Contains(u, "utterance_end_ms") {
			t.Errorf("url %q has optional params that were not requested", u)
		}
	})
}

// fakeDeepgram upgrades websocket connections and plays back a scripted set
// of messages. Connections asking for rejectModel fail the handshake.
func fakeDeepgram(t *testing.T, rejectModel string, script []string) (*httptest.Server, chan string) {
	t.Helper()
	models := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		model := r.URL.Query().Get("model")
		models <- model
		if model == rejectModel {
			http.Error(w, "unknown model", http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		for _, msg := range script {
			if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
				return
			}
		}
		// Hold the socket open until the client closes it.
		conn.Read(ctx)
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)
	return srv, models
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStartStreamFallback(t *testing.T) {
	srv, models := fakeDeepgram(t, "nova-3", nil)

	p, _ := New("key", WithEndpoint(wsURL(srv)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{})
	if err != nil {
		t.Fatalf("start stream: %v", err)
	}
	defer sess.Close()

	if got := <-models; got != "nova-3" {
		t.Errorf("first attempt model = %q", got)
	}
	if got := <-models; got != "nova-2" {
		t.Errorf("fallback model = %q", got)
	}
}

func TestSessionDispatch(t *testing.T) {
	script := []string{
		`{"type":"SpeechStarted"}`,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"book an","confidence":0.42}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"book an appointment","confidence":0.93}]}}`,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`,
		`{"type":"UtteranceEnd"}`,
	}
	srv, _ := fakeDeepgram(t, "", script)

	p, _ := New("key", WithEndpoint(wsURL(srv)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{VADEvents: true})
	if err != nil {
		t.Fatalf("start stream: %v", err)
	}
	defer sess.Close()

	if ev := <-sess.Events(); ev != types.SpeechStarted {
		t.Errorf("first event = %v, want SpeechStarted", ev)
	}
	partial := <-sess.Partials()
	if partial.Text != "book an" || partial.IsFinal {
		t.Errorf("partial = %+v", partial)
	}
	final := <-sess.Finals()
	if final.Text != "book an appointment" || !final.IsFinal || final.Confidence != 0.93 {
		t.Errorf("final = %+v", final)
	}
	if ev := <-sess.Events(); ev != types.UtteranceEnd {
		t.Errorf("second event = %v, want UtteranceEnd", ev)
	}

	t.Run("send after close fails", func(t *testing.T) {
		if err := sess.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if err := sess.SendAudio([]byte{0xff}); err == nil {
			t.Fatal("send after close succeeded")
		}
	})
}
