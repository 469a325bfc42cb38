// Package viewer serves the live overlay to browsers: an embedded page fed
// over a websocket, plus PNG and status endpoints.
package viewer

import (
	"context"
	"embed"
	"encoding/json"
	"io/fs"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/moodcam/internal/emotion"
	"github.com/example/moodcam/internal/face"
	"github.com/example/moodcam/internal/overlay"
)

//go:embed web/*
var webFS embed.FS

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingEvery     = (pongWait * 9) / 10
	flushInterval = 50 * time.Millisecond
)

// Indicator is one emotion bar as shown in the browser.
type Indicator struct {
	Label   string `json:"label"`
	Key     string `json:"key"`
	Percent int    `json:"percent"`
	Color   string `json:"color"`
}

// StateMessage is pushed to every browser when the overlay changes.
type StateMessage struct {
	Type       string      `json:"type"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Indicators []Indicator `json:"indicators"`
	Readout    string      `json:"readout"`
	Faces      []face.Face `json:"faces"`
}

// Hub is an overlay.Surface that mirrors every change to connected browsers.
// Changes are coalesced and flushed at most every flushInterval.
type Hub struct {
	canvas   *overlay.Canvas
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex

	dirty    atomic.Bool
	statusFn func() any
}

// NewHub returns a hub with an empty 1x1 canvas. Call Run to start flushing.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		canvas: overlay.NewCanvas(1, 1),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
		logger:  logger.Named("viewer"),
	}
}

// SetStatus installs the provider for /status.
func (h *Hub) SetStatus(fn func() any) {
	h.statusFn = fn
}

// Resize and the other Surface methods draw on the hub canvas and mark it
// for the next flush.
func (h *Hub) Resize(width, height int) {
	h.canvas.Resize(width, height)
	h.dirty.Store(true)
}

func (h *Hub) SetIndicator(label emotion.Label, percent int) {
	h.canvas.SetIndicator(label, percent)
	h.dirty.Store(true)
}

func (h *Hub) SetReadout(text string) {
	h.canvas.SetReadout(text)
	h.dirty.Store(true)
}

func (h *Hub) DrawMesh(est face.Estimate) {
	h.canvas.DrawMesh(est)
	h.dirty.Store(true)
}

// Snapshot returns the message describing the current overlay.
func (h *Hub) Snapshot() StateMessage {
	state := h.canvas.State()
	indicators := make([]Indicator, 0, len(emotion.Labels))
	for _, l := range emotion.Labels {
		indicators = append(indicators, Indicator{
			Label:   string(l),
			Key:     l.Key(),
			Percent: state.Indicators[l],
			Color:   l.Color(),
		})
	}
	return StateMessage{
		Type:       "state",
		Width:      state.Width,
		Height:     state.Height,
		Indicators: indicators,
		Readout:    state.Readout,
		Faces:      state.Faces,
	}
}

// Run flushes pending changes to browsers until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.flush()
		}
	}
}

func (h *Hub) flush() {
	if !h.dirty.Swap(false) {
		return
	}
	payload, err := json.Marshal(h.Snapshot())
	if err != nil {
		h.logger.Warn("encode overlay state failed", zap.Error(err))
		return
	}

	var stale []*websocket.Conn
	h.mu.Lock()
	for conn, writeMu := range h.clients {
		if err := writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
			stale = append(stale, conn)
		}
	}
	h.mu.Unlock()
	for _, conn := range stale {
		h.removeClient(conn)
	}
}

// Handler returns the viewer routes.
func (h *Hub) Handler() (http.Handler, error) {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", h.handleWS)
	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET("/status", h.handleStatus)
	router.GET("/overlay.png", h.handleOverlay)
	router.NoRoute(gin.WrapH(http.FileServer(http.FS(sub))))
	return router, nil
}

func (h *Hub) handleStatus(c *gin.Context) {
	payload := gin.H{"ws_clients": h.clientCount()}
	if h.statusFn != nil {
		payload["loop"] = h.statusFn()
	}
	c.JSON(http.StatusOK, payload)
}

func (h *Hub) handleOverlay(c *gin.Context) {
	c.Header("Content-Type", "image/png")
	c.Header("Cache-Control", "no-store")
	if err := h.canvas.EncodePNG(c.Writer); err != nil {
		h.logger.Warn("encode overlay png failed", zap.Error(err))
		c.Status(http.StatusInternalServerError)
	}
}

func (h *Hub) handleWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writeMu := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = writeMu
	h.mu.Unlock()

	if payload, err := json.Marshal(h.Snapshot()); err == nil {
		_ = writeMessage(conn, writeMu, websocket.TextMessage, payload)
	}

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer h.removeClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		h.removeClient(conn)
	}
}

func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
