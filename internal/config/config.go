// Package config loads server and client settings from an optional YAML file
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Server configures the HTTP API and prediction endpoint.
type Server struct {
	HTTPAddr             string        `yaml:"http_addr"`
	DatabaseDSN          string        `yaml:"database_dsn"`
	RedisAddr            string        `yaml:"redis_addr"`
	ClassifierAddr       string        `yaml:"classifier_addr"`
	JWTSecret            string        `yaml:"jwt_secret"`
	JWTAudience          string        `yaml:"jwt_audience"`
	TokenTTL             time.Duration `yaml:"token_ttl"`
	EmotionStoreInterval time.Duration `yaml:"emotion_store_interval"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
	MQTT                 MQTTConfig    `yaml:"mqtt"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables publishing.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// Client configures the moodcam CLI.
type Client struct {
	ServerURL       string        `yaml:"server_url"`
	PredictURL      string        `yaml:"predict_url"`
	Device          string        `yaml:"device"`
	V4L2            bool          `yaml:"v4l2"`
	Width           int           `yaml:"width"`
	Height          int           `yaml:"height"`
	ModelPath       string        `yaml:"model_path"`
	Period          time.Duration `yaml:"period"`
	MaxInFlight     int           `yaml:"max_in_flight"`
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`
	SendToken       bool          `yaml:"send_token"`
	UIAddr          string        `yaml:"ui_addr"`
	SessionFile     string        `yaml:"session_file"`
	SessionRedis    string        `yaml:"session_redis"`
}

// DefaultServer returns the settings used when nothing is configured.
func DefaultServer() Server {
	return Server{
		HTTPAddr:             ":8000",
		DatabaseDSN:          "host=postgres user=postgres password=postgres dbname=moodcam port=5432 sslmode=disable",
		RedisAddr:            "redis:6379",
		ClassifierAddr:       "classifier:50051",
		TokenTTL:             30 * time.Minute,
		EmotionStoreInterval: 3 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		MQTT:                 MQTTConfig{Topic: "moodcam/emotions", ClientID: "moodcam-server"},
	}
}

// DefaultClient returns the settings used when nothing is configured.
func DefaultClient() Client {
	return Client{
		ServerURL:       "http://localhost:8000",
		PredictURL:      "ws://localhost:8000/",
		Device:          "0",
		Width:           640,
		Height:          480,
		ModelPath:       "face_detection_yunet_2023mar.onnx",
		Period:          100 * time.Millisecond,
		ExchangeTimeout: 5 * time.Second,
		UIAddr:          "127.0.0.1:8090",
	}
}

// LoadServer reads path (optional), then applies environment overrides.
func LoadServer(path string) (*Server, error) {
	cfg := DefaultServer()
	if err := readYAML(path, &cfg); err != nil {
		return nil, err
	}

	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.ClassifierAddr = getEnv("CLASSIFIER_ADDR", cfg.ClassifierAddr)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTAudience = getEnv("JWT_AUDIENCE", cfg.JWTAudience)
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", cfg.MQTT.Topic)

	var err error
	if cfg.TokenTTL, err = getEnvDuration("TOKEN_TTL", cfg.TokenTTL); err != nil {
		return nil, err
	}
	if cfg.EmotionStoreInterval, err = getEnvDuration("EMOTION_STORE_INTERVAL", cfg.EmotionStoreInterval); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate reports the first missing or inconsistent setting.
func (c *Server) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.DatabaseDSN == "" {
		errs = append(errs, errors.New("database_dsn is required"))
	}
	if c.RedisAddr == "" {
		errs = append(errs, errors.New("redis_addr is required"))
	}
	if c.ClassifierAddr == "" {
		errs = append(errs, errors.New("classifier_addr is required"))
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token_ttl must be positive"))
	}
	if c.EmotionStoreInterval <= 0 {
		errs = append(errs, errors.New("emotion_store_interval must be positive"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// LoadClient reads path (optional), then applies MOODCAM_* environment overrides.
func LoadClient(path string) (*Client, error) {
	cfg := DefaultClient()
	if err := readYAML(path, &cfg); err != nil {
		return nil, err
	}
	cfg.ServerURL = getEnv("MOODCAM_SERVER", cfg.ServerURL)
	cfg.PredictURL = getEnv("MOODCAM_WS", cfg.PredictURL)
	cfg.Device = getEnv("MOODCAM_DEVICE", cfg.Device)
	cfg.ModelPath = getEnv("MOODCAM_MODEL", cfg.ModelPath)
	cfg.SessionRedis = getEnv("MOODCAM_SESSION_REDIS", cfg.SessionRedis)
	return &cfg, nil
}

// Validate checks the settings needed to run the capture loop.
func (c *Client) Validate() error {
	var errs []error
	if _, err := parseURL(c.ServerURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("server_url: %w", err))
	}
	if _, err := parseURL(c.PredictURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("predict_url: %w", err))
	}
	if c.Device == "" {
		errs = append(errs, errors.New("device is required"))
	}
	if c.ModelPath == "" {
		errs = append(errs, errors.New("model_path is required"))
	}
	if c.Period <= 0 {
		errs = append(errs, errors.New("period must be positive"))
	}
	if c.MaxInFlight < 0 {
		errs = append(errs, errors.New("max_in_flight must not be negative"))
	}
	if c.Width < 0 || c.Height < 0 {
		errs = append(errs, errors.New("width and height must not be negative"))
	}
	return errors.Join(errs...)
}

func parseURL(raw string, schemes ...string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%q must be an absolute %s URL", raw, strings.Join(schemes, "/"))
}

func readYAML(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	// Bare numbers are seconds.
	secs, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return time.Duration(secs) * time.Second, nil
}
