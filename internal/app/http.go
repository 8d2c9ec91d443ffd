package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio"
)

// maxAudioBody bounds one POST /api/audio request (about 30 s of 16 kHz
// mono s16le).
const maxAudioBody = 1 << 20

// Handler returns the HTTP surface:
//
//	GET  /healthz, /readyz     liveness and readiness
//	GET  /metrics              Prometheus scrape endpoint
//	GET  /ws/waveform          live waveform frames (websocket)
//	GET  /api/state            session and transcript state
//	POST /api/mic              {"on": bool}
//	POST /api/text             {"text": "..."}
//	POST /api/audio            raw s16le PCM; ?rate=&channels= describe it
//	POST /api/disconnect       final flush, then end the session
func (a *App) Handler() http.Handler {
	api := http.NewServeMux()
	a.health.Register(api)
	api.Handle("GET /metrics", promhttp.Handler())
	api.HandleFunc("GET /api/state", a.handleState)
	api.HandleFunc("POST /api/mic", a.handleMic)
	api.HandleFunc("POST /api/text", a.handleText)
	api.HandleFunc("POST /api/audio", a.handleAudio)
	api.HandleFunc("POST /api/disconnect", a.handleDisconnect)

	root := http.NewServeMux()
	// The websocket upgrade hijacks the connection; keep it outside the
	// response-recording middleware.
	root.Handle("GET /ws/waveform", a.hub)
	root.Handle("/", observe.Middleware(a.metrics)(api))
	return root
}

type stateResponse struct {
	State           string  `json:"state"`
	Mic             bool    `json:"mic"`
	ConversationID  string  `json:"conversationId"`
	HistoryEntries  int     `json:"historyEntries"`
	HistoryError    string  `json:"historyError,omitempty"`
	UserPartial     string  `json:"userPartial"`
	AgentPartial    string  `json:"agentPartial"`
	GraceWindow     string  `json:"graceWindow"`
	Blend           float64 `json:"blend"`
	WaveformClients int     `json:"waveformClients"`
}

func (a *App) handleState(w http.ResponseWriter, r *http.Request) {
	hist := a.ctrl.History()
	resp := stateResponse{
		State:           a.ctrl.State().String(),
		Mic:             a.ctrl.MicOn(),
		ConversationID:  a.conversationID,
		HistoryEntries:  len(hist.Entries),
		GraceWindow:     a.engine.GraceWindow().String(),
		Blend:           a.hub.Blend(),
		WaveformClients: a.hub.Clients(),
	}
	if hist.Err != nil {
		resp.HistoryError = hist.Err.Error()
	}
	if user, agent, err := a.ctrl.Snapshot(r.Context()); err == nil {
		resp.UserPartial, resp.AgentPartial = user.Text, agent.Text
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleMic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		On *bool `json:"on"`
	}
	if err := decodeJSON(r, &req); err != nil || req.On == nil {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"on": true|false}`))
		return
	}
	if err := a.ctrl.SetMic(*req.On); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.ctrl.SendText(r.Context(), req.Text); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleAudio(w http.ResponseWriter, r *http.Request) {
	if a.push == nil {
		writeError(w, http.StatusConflict, errors.New("audio source is not http"))
		return
	}
	src := audio.Mono16k
	if v := r.URL.Query().Get("rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid rate %q", v))
			return
		}
		src.SampleRate = n
	}
	if v := r.URL.Query().Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid channels %q", v))
			return
		}
		src.Channels = n
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	conv := audio.FormatConverter{Target: audio.Mono16k}
	samples := conv.Convert(audio.PCM16ToFloat(body), src)
	if err := a.push.Push(r.Context(), samples); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	// The final flush must not be cut short by the client hanging up.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), session.DefaultFlushTimeout)
	defer cancel()
	if err := a.ctrl.Disconnect(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	if errors.Is(err, session.ErrNotConnected) {
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
