package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/zhouzirui/karitas/backend/internal/config"
	sessionmodel "github.com/zhouzirui/karitas/backend/internal/model/session"
)

var ErrNotConnected = errors.New("mqtt not connected")

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// publishFunc 发布一条消息，Connect 时绑定到 mqtt 客户端。
type publishFunc func(topic string, qos byte, payload []byte) error

// MQTTEmitter 把会话事件转发到 MQTT，主题为 {prefix}/session/{event}。
// frame 事件只携带像素引用，不转发。
type MQTTEmitter struct {
	cfg     config.MQTTConfig
	client  mqtt.Client
	publish publishFunc

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
}

// NewMQTTEmitter creates an emitter; call Connect before publishing.
func NewMQTTEmitter(cfg config.MQTTConfig) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect 连接 broker，断线后由客户端自动重连。
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	if !e.cfg.Enabled() {
		return fmt.Errorf("mqtt broker is not configured")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.Broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		log.Printf("[mqtt] connected to %s as %s", e.cfg.Broker, e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		log.Printf("[mqtt] connection lost, will auto-reconnect: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()

	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.client = client
	e.publish = func(topic string, qos byte, payload []byte) error {
		token := client.Publish(topic, qos, false, payload)
		if !token.WaitTimeout(publishTimeout) {
			return fmt.Errorf("publish timeout")
		}
		return token.Error()
	}
	e.setConnected(true)
	return nil
}

// Run 持续转发 events 直到通道关闭或 ctx 取消。
func (e *MQTTEmitter) Run(ctx context.Context, events <-chan sessionmodel.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Kind == sessionmodel.EventFrame {
				continue
			}
			if err := e.Publish(event); err != nil {
				log.Printf("[mqtt] failed to publish %s event: %v", event.Kind, err)
			}
		}
	}
}

// Publish sends a single event.
func (e *MQTTEmitter) Publish(event sessionmodel.Event) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	payload, err := json.Marshal(event)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := e.Topic(event.Kind)
	if err := e.publish(topic, qosFor(event.Kind), payload); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Topic returns the topic an event kind is published on.
func (e *MQTTEmitter) Topic(kind sessionmodel.EventKind) string {
	if e.cfg.TopicPrefix == "" {
		return fmt.Sprintf("session/%s", kind)
	}
	return fmt.Sprintf("%s/session/%s", e.cfg.TopicPrefix, kind)
}

// 建议与错误需要可靠送达，其余事件允许丢失
func qosFor(kind sessionmodel.EventKind) byte {
	switch kind {
	case sessionmodel.EventSuggestion, sessionmodel.EventError:
		return 1
	default:
		return 0
	}
}

// Disconnect closes the connection.
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		log.Printf("[mqtt] disconnected")
	}
	e.setConnected(false)
}

// Stats 是发布统计。
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats returns a copy of the publish counters.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTTEmitter) setConnected(connected bool) {
	e.mu.Lock()
	e.connected = connected
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected && e.publish != nil
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
