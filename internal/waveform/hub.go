package waveform

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parley/internal/observe"
)

const writeTimeout = 5 * time.Second

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithRefreshHz sets the tick rate of every client renderer.
func WithRefreshHz(hz int) HubOption {
	return func(h *Hub) { h.refreshHz = hz }
}

// WithHubBlend sets the initial interpolation factor of every client.
func WithHubBlend(b float64) HubOption {
	return func(h *Hub) { h.SetBlend(b) }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// Hub serves live waveforms over websocket. Every client gets its own
// [Renderer] reading the shared tap. Clients report their canvas size with
// {"width":w,"height":h} text messages and receive [DisplayFrame] JSON. A
// frame without points means the canvas should be blanked.
type Hub struct {
	refreshHz int
	blend     atomic.Uint64
	metrics   *observe.Metrics

	mu      sync.Mutex
	tap     Tap
	clients map[*client]struct{}
}

var _ http.Handler = (*Hub)(nil)

// NewHub returns a hub drawing from tap. tap may be nil; clients then stay
// idle until [Hub.SetTap].
func NewHub(tap Tap, opts ...HubOption) *Hub {
	h := &Hub{
		refreshHz: DefaultRefreshHz,
		tap:       tap,
		clients:   make(map[*client]struct{}),
	}
	h.blend.Store(math.Float64bits(DefaultBlend))
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// SetTap switches every client to tap.
func (h *Hub) SetTap(tap Tap) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tap = tap
	for c := range h.clients {
		c.renderer.SetTap(tap)
	}
}

// SetBlend changes the interpolation factor of every current and future
// client.
func (h *Hub) SetBlend(b float64) {
	if math.IsNaN(b) {
		return
	}
	b = min(max(b, 0), 1)
	h.blend.Store(math.Float64bits(b))
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.renderer.SetBlend(b)
	}
}

// Blend returns the interpolation factor given to new clients.
func (h *Hub) Blend() float64 { return math.Float64frombits(h.blend.Load()) }

// Clients returns the number of connected viewers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams frames until the client goes
// away or the request context ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Debug("waveform: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{frames: make(chan DisplayFrame, 1)}
	c.renderer = NewRenderer(c,
		WithBlend(h.Blend()),
		WithScheduler(NewIntervalScheduler(h.refreshHz)),
	)
	h.add(c)
	defer h.remove(c)

	h.metrics.WaveformClients.Add(ctx, 1)
	defer h.metrics.WaveformClients.Add(context.Background(), -1)
	observe.Logger(ctx).Debug("waveform: client connected", "remote", r.RemoteAddr)

	go c.readSizes(ctx, cancel, conn)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case f := <-c.frames:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, f)
			wcancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					observe.Logger(ctx).Debug("waveform: client write failed", "err", err)
				}
				return
			}
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	c.renderer.SetTap(h.tap)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.renderer.Stop()
}

// sizeMessage is sent by clients whenever their canvas changes size.
type sizeMessage struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// client is the [Surface] of one websocket viewer. Only the newest frame is
// kept while the connection is busy.
type client struct {
	renderer *Renderer
	width    atomic.Int32
	height   atomic.Int32
	frames   chan DisplayFrame
}

func (c *client) Size() (int, int) {
	return int(c.width.Load()), int(c.height.Load())
}

func (c *client) Draw(f DisplayFrame) {
	select {
	case c.frames <- f:
		return
	default:
	}
	select {
	case <-c.frames:
	default:
	}
	select {
	case c.frames <- f:
	default:
	}
}

func (c *client) Clear() {
	w, h := c.Size()
	c.Draw(DisplayFrame{Width: w, Height: h, Points: []Point{}, Values: []float64{}})
}

func (c *client) readSizes(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		var msg sizeMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		c.width.Store(int32(min(max(msg.Width, 0), math.MaxInt32)))
		c.height.Store(int32(min(max(msg.Height, 0), math.MaxInt32)))
	}
}
