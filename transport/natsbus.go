package transport

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/primevault/vaultlink/interfaces"
)

// NATSBusConfig configures the NATS-backed bus.
type NATSBusConfig struct {
	// URL is the NATS server address, e.g. nats://127.0.0.1:4222.
	URL string

	// Name identifies this connection to the server.
	Name string

	// UseJetStream publishes through JetStream for acknowledged,
	// at-least-once delivery and enables durable reply consumers. The
	// subjects in use must be covered by a stream.
	UseJetStream bool

	// Options are passed through to nats.Connect (credentials, TLS,
	// reconnect tuning).
	Options []nats.Option

	Log *slog.Logger
}

// NATSBus adapts a NATS connection to the Bus interface. One NATSBus is
// shared process-wide by all correlators and calls.
type NATSBus struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *slog.Logger
}

// DialNATS connects to the bus.
func DialNATS(cfg NATSBusConfig) (*NATSBus, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	opts := append([]nats.Option{nats.Name(cfg.Name)}, cfg.Options...)
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %v", interfaces.ErrTransport, cfg.URL, err)
	}

	bus := &NATSBus{nc: nc, log: cfg.Log}
	if cfg.UseJetStream {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("%w: acquiring JetStream context: %v", interfaces.ErrTransport, err)
		}
		bus.js = js
	}
	return bus, nil
}

// Publish sends a message. With JetStream enabled the publish is
// acknowledged by the server before returning.
func (b *NATSBus) Publish(subject string, data []byte) error {
	if b.js != nil {
		_, err := b.js.Publish(subject, data)
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe registers a core NATS subscription.
func (b *NATSBus) Subscribe(subject string, handler func(interfaces.BusMessage)) (interfaces.Unsubscriber, error) {
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(interfaces.BusMessage{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// SubscribeDurable registers a named durable JetStream consumer, giving
// at-least-once delivery. Falls back to a core subscription when JetStream
// is not enabled.
func (b *NATSBus) SubscribeDurable(subject, durable string, handler func(interfaces.BusMessage)) (interfaces.Unsubscriber, error) {
	if b.js == nil {
		b.log.Warn("durable subscription requested without JetStream, using core subscription", "subject", subject)
		return b.Subscribe(subject, handler)
	}
	sub, err := b.js.Subscribe(subject, func(m *nats.Msg) {
		handler(interfaces.BusMessage{Subject: m.Subject, Data: m.Data})
		if err := m.Ack(); err != nil {
			b.log.Warn("acking message failed", "subject", m.Subject, "err", err)
		}
	}, nats.Durable(durable), nats.ManualAck())
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Connected reports the connection state.
func (b *NATSBus) Connected() bool {
	return b.nc.IsConnected()
}

// Close drains and closes the connection; all subscriptions end with it.
func (b *NATSBus) Close() {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}
