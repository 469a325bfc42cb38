package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/moodcam/internal/account"
	"github.com/example/moodcam/internal/auth"
	"github.com/example/moodcam/internal/emotion"
	"github.com/example/moodcam/internal/predict"
)

const (
	// MaxFrameSize bounds a single prediction request message.
	MaxFrameSize = 8 << 20
	requestWait  = 10 * time.Second
	writeWait    = 5 * time.Second
)

// AccountService is the account surface used by the routes.
type AccountService interface {
	Signup(ctx context.Context, username, password string) error
	Login(ctx context.Context, username, password string) (account.Token, error)
	Profile(ctx context.Context, username string) (account.Profile, error)
	Usernames(ctx context.Context) ([]string, error)
}

// PredictionService is the prediction surface used by the routes.
type PredictionService interface {
	Predict(ctx context.Context, req emotion.Request) (emotion.Result, error)
	Latest(ctx context.Context, username string) (predict.Latest, error)
	GetMetricsSummary(ctx context.Context) (*predict.MetricsSummary, error)
}

// TokenVerifier returns the subject of a valid bearer token.
type TokenVerifier func(token string) (string, error)

// Dependencies wires the routes.
type Dependencies struct {
	Accounts    AccountService
	Predictions PredictionService
	Auth        gin.HandlerFunc
	VerifyToken TokenVerifier
	Logger      *zap.Logger
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type routes struct {
	deps     Dependencies
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &routes{
		deps: deps,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.Named("handlers"),
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/signup", r.signup)
	router.POST("/login", r.login)
	router.GET("/", r.predictSocket)

	protected := router.Group("/", deps.Auth)
	protected.GET("/users", r.listUsers)
	protected.GET("/users/:username", r.getUser)
	protected.GET("/users/:username/latest", r.latestEmotion)
	protected.GET("/metrics", r.metrics)
}

func (r *routes) signup(c *gin.Context) {
	var body credentials
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := r.deps.Accounts.Signup(c.Request.Context(), body.Username, body.Password)
	switch {
	case errors.Is(err, account.ErrUsernameTaken):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username already registered"})
	case errors.Is(err, account.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		r.logger.Error("signup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signup failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"msg": "User registered successfully"})
	}
}

func (r *routes) login(c *gin.Context) {
	var body credentials
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	token, err := r.deps.Accounts.Login(c.Request.Context(), body.Username, body.Password)
	switch {
	case errors.Is(err, account.ErrInvalidCredentials):
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Incorrect username or password"})
	case err != nil:
		r.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
	default:
		c.JSON(http.StatusOK, token)
	}
}

func (r *routes) listUsers(c *gin.Context) {
	names, err := r.deps.Accounts.Usernames(c.Request.Context())
	if err != nil {
		r.logger.Error("list users failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list users"})
		return
	}
	users := make([]gin.H, 0, len(names))
	for _, name := range names {
		users = append(users, gin.H{"username": name})
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (r *routes) getUser(c *gin.Context) {
	profile, err := r.deps.Accounts.Profile(c.Request.Context(), c.Param("username"))
	switch {
	case errors.Is(err, account.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
	case err != nil:
		r.logger.Error("profile lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile lookup failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"user": profile})
	}
}

func (r *routes) latestEmotion(c *gin.Context) {
	latest, err := r.deps.Predictions.Latest(c.Request.Context(), c.Param("username"))
	switch {
	case errors.Is(err, predict.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no emotion recorded"})
	case err != nil:
		r.logger.Error("latest emotion lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "latest emotion lookup failed"})
	default:
		c.JSON(http.StatusOK, latest)
	}
}

func (r *routes) metrics(c *gin.Context) {
	summary, err := r.deps.Predictions.GetMetricsSummary(c.Request.Context())
	if err != nil {
		r.logger.Error("metrics summary failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics unavailable"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// predictSocket serves exactly one prediction per connection: read one
// request, write one response, close. Failures close without a response.
func (r *routes) predictSocket(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "websocket upgrade required"})
		return
	}

	subject := ""
	if header := c.Request.Header.Get("Authorization"); header != "" && r.deps.VerifyToken != nil {
		token, err := auth.ExtractBearerToken(header)
		if err == nil {
			subject, err = r.deps.VerifyToken(token)
		}
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
	}

	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(requestWait))

	_, payload, err := conn.ReadMessage()
	if err != nil {
		r.logger.Debug("prediction request not received", zap.Error(err))
		return
	}

	req, err := emotion.DecodeRequest(payload)
	if err != nil {
		closeWith(conn, websocket.CloseInvalidFramePayloadData, "invalid request")
		return
	}
	if subject != "" {
		req.Data.Username = subject
	}

	res, err := r.deps.Predictions.Predict(c.Request.Context(), req)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, predict.ErrInvalidImage) {
			code = websocket.CloseInvalidFramePayloadData
		}
		closeWith(conn, code, closeReason(err))
		return
	}

	response, err := emotion.EncodeResult(res)
	if err != nil {
		closeWith(conn, websocket.CloseInternalServerErr, "encode failed")
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, response); err != nil {
		r.logger.Debug("prediction response not delivered", zap.Error(err))
		return
	}
	closeWith(conn, websocket.CloseNormalClosure, "")
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
}

// maxCloseReason keeps a close reason within the 123-byte control frame limit.
const maxCloseReason = 120

// closeReason fits an error into a close frame without splitting a UTF-8 sequence.
func closeReason(err error) string {
	reason := err.Error()
	if i := strings.LastIndex(reason, ": "); i >= 0 {
		reason = reason[i+2:]
	}
	if len(reason) > maxCloseReason {
		cut := maxCloseReason
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}
	return reason
}
