// Package exchange performs one-shot prediction exchanges: a fresh websocket
// per frame, one request, the first response, then close.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/moodcam/internal/emotion"
	"github.com/example/moodcam/internal/face"
	"github.com/example/moodcam/internal/logging"
	"github.com/example/moodcam/internal/session"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultResponseTimeout  = 10 * time.Second
	writeWait               = 5 * time.Second
	maxResponseSize         = 64 << 10
)

// ErrClosedBeforeResponse is returned when the channel ends without a response.
var ErrClosedBeforeResponse = errors.New("channel closed before response")

// Config configures a Client.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	ResponseTimeout  time.Duration
	// SendToken adds the session token as a bearer header on the handshake.
	SendToken bool
}

// Client opens one websocket per Send. It is safe for concurrent use.
type Client struct {
	url             string
	dialer          *websocket.Dialer
	responseTimeout time.Duration
	sendToken       bool
	logger          *zap.Logger
}

// New constructs a prediction exchange client.
func New(cfg Config, logger *zap.Logger) *Client {
	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	response := cfg.ResponseTimeout
	if response <= 0 {
		response = defaultResponseTimeout
	}
	return &Client{
		url: cfg.URL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshake,
		},
		responseTimeout: response,
		sendToken:       cfg.SendToken,
		logger:          logger.Named("exchange"),
	}
}

// Send transmits frame with the identity's username and waits for the first
// response on the same connection. The result carries the frame's Seq.
func (c *Client) Send(ctx context.Context, frame face.Frame, id session.Identity) (emotion.Result, error) {
	exchangeID := uuid.NewString()
	opLogger := logging.WithOperation(c.logger, "exchange.send", exchangeID).With(zap.Uint64("tick", frame.Seq))

	var header http.Header
	if c.sendToken && id.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + id.Token}}
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return emotion.Result{}, logging.NewOperationError("exchange.dial", exchangeID, err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxResponseSize)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(emotion.NewRequest(frame.DataURI(), id.Username)); err != nil {
		return emotion.Result{}, logging.NewOperationError("exchange.write", exchangeID, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.responseTimeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return emotion.Result{}, logging.NewOperationError("exchange.read", exchangeID,
			fmt.Errorf("%w: %v", ErrClosedBeforeResponse, err))
	}

	res, err := emotion.DecodeResponse(payload)
	if err != nil {
		return emotion.Result{}, logging.NewOperationError("exchange.decode", exchangeID, err)
	}
	res.Seq = frame.Seq

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))

	opLogger.Debug("prediction received", zap.String("emotion", res.Dominant.Key()))
	return res, nil
}
