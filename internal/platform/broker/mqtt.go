package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// maxPending bounds messages held back while no subscription matches them.
const maxPending = 256

type MQTTOptions struct {
	BrokerURL      string
	ClientID       string // Derived from ThingName when empty
	UniqueClientID bool   // Append a random suffix to the derived client id
	ThingName      string
	QoS            byte
	CAFile         string
	CertFile       string
	KeyFile        string
	CleanSession   bool
}

type subscription struct {
	ctx     context.Context
	handler Handler
}

type inbound struct {
	filter  string // Empty when paho had no route for the topic
	topic   string
	payload []byte
}

// MQTTBroker delivers inbound messages to handlers from its own goroutine.
// paho's callbacks only queue the message, so a handler may publish and wait
// for the PUBACK without stalling the connection's read loop.
type MQTTBroker struct {
	client mqtt.Client
	qos    byte
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[string]subscription
	queue   []inbound
	pending []inbound // Arrived before a matching Subscribe

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ClientID returns the broker-safe client id for a thing. It is stable across
// restarts so a persistent session survives; unique adds a random suffix for
// running several agents against one thing.
func ClientID(thingName string, unique bool) string {
	id := slug.Make(thingName)
	if unique {
		id += "-" + uuid.NewString()[:8]
	}
	return id
}

// ConnectMQTT dials the broker and blocks until the first connection attempt
// succeeds, fails, or ctx ends.
func ConnectMQTT(ctx context.Context, o MQTTOptions, logger *slog.Logger) (*MQTTBroker, error) {
	clientID := o.ClientID
	if clientID == "" {
		clientID = ClientID(o.ThingName, o.UniqueClientID)
	}
	b := &MQTTBroker{
		qos:    o.QoS,
		logger: logger,
		subs:   make(map[string]subscription),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(o.BrokerURL).
		SetClientID(clientID).
		SetCleanSession(o.CleanSession).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetDefaultPublishHandler(b.enqueue("")).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "err", err)
		})

	if o.CertFile != "" || o.CAFile != "" {
		tlsCfg, err := newTLSConfig(o.CAFile, o.CertFile, o.KeyFile)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	b.client = mqtt.NewClient(opts)
	b.wg.Add(1)
	go b.run()

	logger.Info("connecting to mqtt broker", "url", o.BrokerURL, "client_id", clientID, "clean_session", o.CleanSession)
	if err := waitToken(ctx, b.client.Connect()); err != nil {
		b.stop()
		return nil, fmt.Errorf("mqtt connect %s: %w", o.BrokerURL, err)
	}
	return b, nil
}

func newTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read mqtt CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		cfg.RootCAs = pool
	}
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load mqtt client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// onConnect restores subscriptions after an automatic reconnect.
func (b *MQTTBroker) onConnect(c mqtt.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger.Info("mqtt connected", "subscriptions", len(b.subs))
	for filter := range b.subs {
		c.Subscribe(filter, b.qos, b.enqueue(filter))
	}
}

// enqueue must not block: it runs on paho's ordered router goroutine.
func (b *MQTTBroker) enqueue(filter string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		b.push(inbound{filter: filter, topic: msg.Topic(), payload: msg.Payload()})
	}
}

func (b *MQTTBroker) push(msgs ...inbound) {
	if len(msgs) == 0 {
		return
	}
	b.mu.Lock()
	b.queue = append(b.queue, msgs...)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *MQTTBroker) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		}
		for {
			b.mu.Lock()
			if len(b.queue) == 0 {
				b.mu.Unlock()
				break
			}
			msg := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()

			select {
			case <-b.done:
				return
			default:
			}
			b.deliver(msg)
		}
	}
}

func (b *MQTTBroker) deliver(msg inbound) {
	b.mu.Lock()
	sub, ok := b.subs[msg.filter]
	if !ok {
		sub, ok = b.matchLocked(msg.topic)
	}
	if !ok {
		if len(b.pending) >= maxPending {
			b.logger.Warn("dropping unrouted mqtt message", "topic", b.pending[0].topic)
			b.pending = b.pending[1:]
		}
		b.pending = append(b.pending, msg)
		b.mu.Unlock()
		b.logger.Debug("holding mqtt message until subscribed", "topic", msg.topic)
		return
	}
	b.mu.Unlock()
	sub.handler(sub.ctx, msg.topic, msg.payload)
}

func (b *MQTTBroker) matchLocked(topic string) (subscription, bool) {
	for filter, sub := range b.subs {
		if topicMatches(filter, topic) {
			return sub, true
		}
	}
	return subscription{}, false
}

func (b *MQTTBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := waitToken(ctx, b.client.Publish(topic, b.qos, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for filter. Messages that the broker delivered on the
// persistent session before the subscription existed are replayed first.
func (b *MQTTBroker) Subscribe(ctx context.Context, filter string, h Handler) error {
	b.mu.Lock()
	b.subs[filter] = subscription{ctx: ctx, handler: h}
	var replay, keep []inbound
	for _, msg := range b.pending {
		if topicMatches(filter, msg.topic) {
			replay = append(replay, msg)
		} else {
			keep = append(keep, msg)
		}
	}
	b.pending = keep
	b.mu.Unlock()
	b.push(replay...)

	if err := waitToken(ctx, b.client.Subscribe(filter, b.qos, b.enqueue(filter))); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", filter, err)
	}
	b.logger.Info("subscribed", "filter", filter, "qos", b.qos, "replayed", len(replay))
	return nil
}

func (b *MQTTBroker) IsConnected() bool {
	return b.client.IsConnectionOpen()
}

// Close disconnects and waits for the handler in progress, if any.
func (b *MQTTBroker) Close() error {
	b.client.Disconnect(250)
	b.stop()
	b.logger.Info("mqtt connection closed")
	return nil
}

func (b *MQTTBroker) stop() {
	b.closeOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}

// topicMatches reports whether topic matches an MQTT filter with "+" and "#"
// wildcards.
func topicMatches(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) || (f != "+" && f != tl[i]) {
			return false
		}
	}
	return len(fl) == len(tl)
}

func waitToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
