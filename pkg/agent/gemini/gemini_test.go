package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/agent"
	"github.com/MrWong99/parley/pkg/agent/gemini"
)

// ── helpers ──────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted connection; the server is closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

type setupFrame struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"responseModalities"`
			SpeechConfig       *struct {
				VoiceConfig struct {
					PrebuiltVoiceConfig struct {
						VoiceName string `json:"voiceName"`
					} `json:"prebuiltVoiceConfig"`
				} `json:"voiceConfig"`
			} `json:"speechConfig"`
		} `json:"generationConfig"`
		SystemInstruction *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
		InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
		OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
	} `json:"setup"`
}

// acceptSetup reads the setup frame, acknowledges it and returns it.
func acceptSetup(t *testing.T, conn *websocket.Conn) setupFrame {
	t.Helper()
	var s setupFrame
	readJSON(t, conn, &s)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
	return s
}

func connect(t *testing.T, srv *httptest.Server, cfg agent.SessionConfig, opts ...gemini.Option) agent.Session {
	t.Helper()
	opts = append([]gemini.Option{gemini.WithBaseURL(wsURL(srv))}, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sess, err := gemini.New("test-key", opts...).Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func nextEvent(t *testing.T, sess agent.Session) agent.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatalf("events closed early, err = %v", sess.Err())
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return agent.Event{}
	}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	setupCh := make(chan setupFrame, 1)
	keyCh := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		setupCh <- acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, agent.SessionConfig{
		Voice:        "Kore",
		Instructions: "Be brief.",
		PriorContext: "user: hi\nagent: hello",
	}, gemini.WithModel("custom-model"))

	if key := <-keyCh; key != "test-key" {
		t.Errorf("key = %q, want test-key", key)
	}
	s := <-setupCh
	if s.Setup.Model != "models/custom-model" {
		t.Errorf("model = %q, want models/custom-model", s.Setup.Model)
	}
	if s.Setup.InputAudioTranscription == nil || s.Setup.OutputAudioTranscription == nil {
		t.Error("transcription not enabled in setup")
	}
	if sc := s.Setup.GenerationConfig.SpeechConfig; sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Kore" {
		t.Errorf("voice not set: %+v", sc)
	}
	if s.Setup.SystemInstruction == nil || len(s.Setup.SystemInstruction.Parts) != 1 {
		t.Fatalf("system instruction missing: %+v", s.Setup.SystemInstruction)
	}
	want := "Be brief.\n\nConversation so far:\nuser: hi\nagent: hello"
	if got := s.Setup.SystemInstruction.Parts[0].Text; got != want {
		t.Errorf("system prompt = %q, want %q", got, want)
	}
}

func TestConnect_SetupRejected(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var s setupFrame
		readJSON(t, conn, &s)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 403, "message": "bad key"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := gemini.New("k", gemini.WithBaseURL(wsURL(srv))).Connect(ctx, agent.SessionConfig{})
	if !errors.Is(err, gemini.ErrSetupRejected) {
		t.Fatalf("err = %v, want ErrSetupRejected", err)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := gemini.New("k", gemini.WithBaseURL("ws://127.0.0.1:1")).Connect(ctx, agent.SessionConfig{})
	if err == nil {
		t.Fatal("expected dial error")
	}
}

func TestSession_EventsInProtocolOrder(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "hello"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     base64.StdEncoding.EncodeToString(pcm),
				}},
			}},
			"outputTranscription": map[string]any{"text": "hi there"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, agent.SessionConfig{})

	want := []agent.Event{
		{Kind: agent.InputTranscription, Text: "hello"},
		{Kind: agent.AgentAudio, Audio: pcm},
		{Kind: agent.OutputTranscription, Text: "hi there"},
		{Kind: agent.Interrupted},
		{Kind: agent.TurnComplete},
	}
	for i, w := range want {
		got := nextEvent(t, sess)
		if got.Kind != w.Kind || got.Text != w.Text || string(got.Audio) != string(w.Audio) {
			t.Errorf("event %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestSession_SendAudioAndText(t *testing.T) {
	t.Parallel()

	type frame struct {
		RealtimeInput *struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
		ClientContent *struct {
			Turns []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"turns"`
			TurnComplete bool `json:"turnComplete"`
		} `json:"clientContent"`
	}
	frames := make(chan frame, 2)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		for range 2 {
			var f frame
			readJSON(t, conn, &f)
			frames <- f
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, agent.SessionConfig{})
	if err := sess.SendAudio([]byte{0x10, 0x20}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := sess.SendText("typed"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	audio := <-frames
	if audio.RealtimeInput == nil || len(audio.RealtimeInput.MediaChunks) != 1 {
		t.Fatalf("audio frame = %+v", audio)
	}
	chunk := audio.RealtimeInput.MediaChunks[0]
	if chunk.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("mime = %q", chunk.MIMEType)
	}
	if raw, _ := base64.StdEncoding.DecodeString(chunk.Data); string(raw) != "\x10\x20" {
		t.Errorf("audio payload = %v", raw)
	}

	text := <-frames
	if text.ClientContent == nil || !text.ClientContent.TurnComplete {
		t.Fatalf("text frame = %+v", text)
	}
	turn := text.ClientContent.Turns[0]
	if turn.Role != "user" || turn.Parts[0].Text != "typed" {
		t.Errorf("turn = %+v", turn)
	}
}

func TestSession_DropReportsError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusGoingAway, "server restart")
	})

	sess := connect(t, srv, agent.SessionConfig{})
	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events not closed after drop")
	}
	if sess.Err() == nil {
		t.Error("Err() = nil after unexpected drop")
	}
}

func TestSession_CloseIsCleanAndIdempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, agent.SessionConfig{})
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, ok := <-sess.Events(); ok {
		t.Error("events still open after Close")
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err() = %v after clean close", err)
	}
	if err := sess.SendText("late"); !errors.Is(err, agent.ErrSessionClosed) {
		t.Errorf("SendText after Close = %v, want ErrSessionClosed", err)
	}
}
