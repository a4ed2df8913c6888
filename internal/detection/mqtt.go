package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tphakala/radiotrack/internal/errors"
	"github.com/tphakala/radiotrack/internal/logger"
	"github.com/tphakala/radiotrack/internal/privacy"
)

const (
	mqttQoS            = 1
	mqttPublishTimeout = 10 * time.Second
	mqttDisconnectWait = 250 // milliseconds
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
}

// MQTTSink publishes each detection as JSON to Topic/<stream>.
type MQTTSink struct {
	client mqtt.Client
	topic  string
	log    logger.Logger
}

// NewMQTTSink creates the client and starts connecting in the background.
// Publishing before the broker is reachable returns an error per event.
func NewMQTTSink(cfg MQTTConfig, log logger.Logger) *MQTTSink {
	if log == nil {
		log = logger.Global().Module("detection")
	}
	s := &MQTTSink{topic: cfg.Topic, log: log}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("connected to MQTT broker", logger.String("broker", privacy.SanitizeStreamURL(cfg.Broker)))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("MQTT connection lost", logger.Error(err))
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// Connect starts the connection. With connect retry enabled the token only
// completes once the broker is reached, so Connect does not wait for it.
func (s *MQTTSink) Connect() {
	s.client.Connect()
}

// Name implements Consumer.
func (s *MQTTSink) Name() string { return "mqtt" }

// ProcessEvent implements Consumer.
func (s *MQTTSink) ProcessEvent(ctx context.Context, e Event) error {
	if !s.client.IsConnected() {
		return errors.Newf("not connected to MQTT broker").
			Component("detection").
			Category(errors.CategoryMQTTPublish).
			Build()
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal detection: %w", err)
	}

	topic := s.topic + "/" + e.Stream
	token := s.client.Publish(topic, mqttQoS, false, payload)

	wait := mqttPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = min(wait, time.Until(deadline))
	}
	if !token.WaitTimeout(wait) {
		return errors.Newf("publish to %s timed out", topic).
			Component("detection").
			Category(errors.CategoryMQTTPublish).
			Build()
	}
	if err := token.Error(); err != nil {
		return errors.New(err).
			Component("detection").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	if s.client.IsConnected() {
		s.client.Disconnect(mqttDisconnectWait)
	}
	return nil
}
