package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker      string // host:port or a full URL
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// publisher is the part of mqtt.Client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes events as JSON to <prefix>/attempts and <prefix>/budget.
// Publishing is fire-and-forget; delivery errors are logged and counted.
type MQTTSink struct {
	cfg    MQTTConfig
	client mqtt.Client
	pub    publisher
	logger *slog.Logger

	mu        sync.Mutex
	published map[string]uint64 // count per topic
	errors    uint64
}

// NewMQTTSink creates a sink; call Connect before use.
func NewMQTTSink(cfg MQTTConfig, logger *slog.Logger) *MQTTSink {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "taskbroker"
	}
	return &MQTTSink{
		cfg:       cfg,
		logger:    logger.With("component", "mqtt-sink"),
		published: make(map[string]uint64),
	}
}

// Connect establishes the connection to the MQTT broker. The client
// reconnects on its own afterwards.
func (s *MQTTSink) Connect(ctx context.Context) error {
	broker := s.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(s.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		s.logger.Info("mqtt connection established", "broker", broker, "client_id", s.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	s.client = mqtt.NewClient(opts)
	s.pub = s.client

	token := s.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}

func (s *MQTTSink) Attempt(_ context.Context, ev AttemptEvent) {
	s.publish(s.cfg.TopicPrefix+"/attempts", ev)
}

func (s *MQTTSink) Budget(_ context.Context, ev BudgetEvent) {
	s.publish(s.cfg.TopicPrefix+"/budget", ev)
}

func (s *MQTTSink) publish(topic string, v any) {
	if s.pub == nil {
		s.countError()
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.countError()
		s.logger.Error("marshal event", "topic", topic, "error", err)
		return
	}
	token := s.pub.Publish(topic, s.cfg.QoS, false, payload)
	go func() {
		if !token.WaitTimeout(2 * time.Second) {
			s.countError()
			s.logger.Warn("mqtt publish timeout", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			s.countError()
			s.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
			return
		}
		s.mu.Lock()
		s.published[topic]++
		s.mu.Unlock()
	}()
}

func (s *MQTTSink) countError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// Stats returns publish counts per topic and the error count.
func (s *MQTTSink) Stats() (map[string]uint64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.published))
	for k, v := range s.published {
		out[k] = v
	}
	return out, s.errors
}
