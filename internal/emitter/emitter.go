// Package emitter publishes emotion events to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

var ErrNotConnected = errors.New("mqtt not connected")

// Event is one classified frame.
type Event struct {
	Username  string             `json:"username"`
	Emotion   string             `json:"emotion"`
	Scores    map[string]float64 `json:"predictions"`
	Stored    bool               `json:"stored"`
	Timestamp time.Time          `json:"timestamp"`
}

// Config describes the broker connection.
type Config struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
}

// Stats counts publish outcomes.
type Stats struct {
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
	Connected bool   `json:"connected"`
}

// MQTTEmitter publishes events under <topic>/<username>.
type MQTTEmitter struct {
	cfg    Config
	client mqtt.Client
	logger *zap.Logger

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool
}

// NewMQTTEmitter returns an unconnected emitter; empty Topic and ClientID get defaults.
func NewMQTTEmitter(cfg Config, logger *zap.Logger) *MQTTEmitter {
	if cfg.Topic == "" {
		cfg.Topic = "moodcam/emotions"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "moodcam-server"
	}
	return &MQTTEmitter{cfg: cfg, logger: logger.Named("mqtt")}
}

// Connect establishes the broker connection. Reconnects are automatic.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("mqtt connection established", zap.String("broker", broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("mqtt connection lost, will auto-reconnect", zap.Error(err))
	}

	e.client = mqtt.NewClient(opts)
	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Publish sends event as JSON.
func (e *MQTTEmitter) Publish(ctx context.Context, event Event) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}
	payload, err := json.Marshal(event)
	if err != nil {
		e.countError()
		return fmt.Errorf("marshal event: %w", err)
	}

	topic := e.cfg.Topic
	if event.Username != "" {
		topic = topic + "/" + strings.ToLower(event.Username)
	}
	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		e.countError()
		return ctx.Err()
	case <-time.After(publishTimeout):
		e.countError()
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()
	e.logger.Debug("emotion event published", zap.String("topic", topic), zap.Int("size", len(payload)))
	return nil
}

// Stats returns publish counters and the connection flag.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{Published: e.published, Errors: e.errors, Connected: e.connected}
}

// Close disconnects, waiting up to 250ms for in-flight work.
func (e *MQTTEmitter) Close() {
	if e.client != nil {
		e.client.Disconnect(250)
	}
	e.setConnected(false)
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// Nop discards events; used when no broker is configured.
type Nop struct{}

// Publish discards event.
func (Nop) Publish(context.Context, Event) error { return nil }
