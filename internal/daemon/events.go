package daemon

import (
	"encoding/json"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/evoprompt/evoprompt/internal/config"
	"github.com/evoprompt/evoprompt/internal/genome"
)

// PromotionEvent announces that an optimize run beat the live best by at
// least the promotion delta. Consumers may act on it or ignore it.
type PromotionEvent struct {
	RunID         string        `json:"run_id"`
	BestScore     float64       `json:"best_score"`
	PreviousScore float64       `json:"previous_score"`
	Genomes       []genome.Wire `json:"genomes"`
	Timestamp     string        `json:"timestamp"`
}

// Publisher delivers promotion events to interested consumers.
type Publisher interface {
	Publish(event PromotionEvent) error
	Close()
}

// NoopPublisher drops events. Default when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(PromotionEvent) error { return nil }
func (NoopPublisher) Close()                       {}

// mqttClient is the subset of the paho client the publisher needs,
// extracted so tests can substitute a fake.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// MQTTPublisher emits promotion events to an MQTT topic at QoS 1.
type MQTTPublisher struct {
	client mqttClient
	topic  string
	logger *slog.Logger
}

// NewMQTTPublisher connects to the configured broker.
func NewMQTTPublisher(cfg config.MQTTConfig, logger *slog.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)

	topic := cfg.Topic
	if topic == "" {
		topic = "evoprompt/promotions"
	}
	p := &MQTTPublisher{
		client: client,
		topic:  topic,
		logger: logger.With("component", "events"),
	}
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	p.logger.Info("connected to broker", "broker", cfg.BrokerURL, "topic", topic)
	return p, nil
}

// Publish sends one event. QoS 1 so a promotion survives a flaky link.
func (p *MQTTPublisher) Publish(event PromotionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal promotion event: %w", err)
	}
	token := p.client.Publish(p.topic, 1, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish promotion event: %w", token.Error())
	}
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
