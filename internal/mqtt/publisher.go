// Package mqtt publishes override state and daemon status to an MQTT broker.
//
// Topics, relative to the configured prefix:
//
//	<prefix>/status                          retained online/offline, offline is also the LWT
//	<prefix>/lights/<id>/<attribute>/override retained exclusion state per light attribute
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/daylightd/internal/config"
	"github.com/dokzlo13/daylightd/internal/lights"
	"github.com/dokzlo13/daylightd/internal/override"
)

var (
	// ErrNotConnected indicates the broker connection is down.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("mqtt: connection failed")
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds
	defaultKeepAlive         = 60 * time.Second
)

// client is the part of pahomqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Status is the payload of the status topic.
type Status struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// OverrideState is the payload of a per-attribute override topic.
type OverrideState struct {
	State     override.State  `json:"state"`
	Reason    override.Reason `json:"reason"`
	Observed  *int            `json:"observed,omitempty"`
	Target    *int            `json:"target,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Publisher implements controller.ChangeListener on an MQTT connection.
type Publisher struct {
	client   client
	clientID string
	prefix   string
	qos      byte
	now      func() time.Time

	closeOnce sync.Once
}

// Connect dials the broker and publishes the online status. The offline
// status is registered as last will. The client reconnects on its own and
// republishes the online status after every reconnect.
func Connect(cfg config.MQTTConfig) (*Publisher, error) {
	p := &Publisher{
		clientID: cfg.ClientID,
		prefix:   cfg.TopicPrefix,
		qos:      cfg.QoS,
		now:      time.Now,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive).
		SetWill(p.StatusTopic(), p.statusPayload("offline", "unexpected_disconnect"), 1, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
		p.publishStatus("online", "")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	c := pahomqtt.NewClient(opts)
	p.client = c
	token := c.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return p, nil
}

func newPublisher(c client, clientID, prefix string, qos byte) *Publisher {
	return &Publisher{client: c, clientID: clientID, prefix: prefix, qos: qos, now: time.Now}
}

// StatusTopic returns the daemon status topic.
func (p *Publisher) StatusTopic() string {
	return p.prefix + "/status"
}

// OverrideTopic returns the override topic of one light attribute.
func (p *Publisher) OverrideTopic(lightID string, attr lights.Attribute) string {
	return fmt.Sprintf("%s/lights/%s/%s/override", p.prefix, lightID, attr)
}

// OverrideChanged publishes exclusion transitions. It does not wait for the
// broker acknowledgement.
func (p *Publisher) OverrideChanged(c override.Change) {
	if !c.Transition() {
		return
	}

	state := OverrideState{
		State:     c.State,
		Reason:    c.Reason,
		Timestamp: p.now().UTC().Format(time.RFC3339),
	}
	if c.State == override.StateExcluded {
		observed, target := c.Observed, c.Target
		state.Observed = &observed
		state.Target = &target
	}

	payload, err := json.Marshal(state)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode override state")
		return
	}

	topic := p.OverrideTopic(c.LightID, c.Attr)
	if err := p.publish(topic, payload); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Failed to publish override state")
	}
}

func (p *Publisher) publish(topic string, payload []byte) error {
	if p.client == nil || !p.client.IsConnected() {
		return ErrNotConnected
	}

	token := p.client.Publish(topic, p.qos, true, payload)
	go func() {
		if !token.WaitTimeout(defaultPublishTimeout) {
			log.Warn().Str("topic", topic).Msg("MQTT publish timed out")
			return
		}
		if err := token.Error(); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
	return nil
}

func (p *Publisher) statusPayload(status, reason string) string {
	b, _ := json.Marshal(Status{
		Status:    status,
		ClientID:  p.clientID,
		Reason:    reason,
		Timestamp: p.now().UTC().Format(time.RFC3339),
	})
	return string(b)
}

func (p *Publisher) publishStatus(status, reason string) {
	if err := p.publish(p.StatusTopic(), []byte(p.statusPayload(status, reason))); err != nil {
		log.Warn().Err(err).Msg("Failed to publish status")
	}
}

// Close publishes the offline status and disconnects. Safe to call twice.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		if p.client == nil {
			return
		}
		if p.client.IsConnected() {
			token := p.client.Publish(p.StatusTopic(), p.qos, true, p.statusPayload("offline", "graceful_shutdown"))
			token.WaitTimeout(defaultPublishTimeout)
		}
		p.client.Disconnect(defaultDisconnectQuiesce)
	})
}
