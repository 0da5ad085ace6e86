// Package amqpsink forwards campaign events from the in-process bus to an
// AMQP topic exchange.
package amqpsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"campaignbot/internal/eventbus"
	logx "campaignbot/pkg/logx"
)

const DefaultExchange = "campaignbot.events"

type Config struct {
	URL      string
	Exchange string
	// Pattern selects forwarded event types (default "campaign.*").
	Pattern string
}

// Envelope is the message body.
type Envelope struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Sink struct {
	cfg Config
	bus eventbus.Bus
	log logx.Logger
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Sink {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Pattern == "" {
		cfg.Pattern = "campaign.*"
	}
	return &Sink{cfg: cfg, bus: bus, log: log.With(logx.String("comp", "amqpsink"))}
}

// Run connects, declares the exchange and forwards events until ctx ends or
// the connection drops. It is meant to run under a restart loop.
func (s *Sink) Run(ctx context.Context) error {
	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		s.cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("amqp declare exchange: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	events, unsubscribe := s.bus.Subscribe(256)
	defer unsubscribe()
	s.log.Info("amqp sink connected", logx.String("exchange", s.cfg.Exchange))

	for {
		select {
		case <-ctx.Done():
			return nil
		case aerr := <-closed:
			if aerr == nil {
				return errors.New("amqp connection closed")
			}
			return fmt.Errorf("amqp connection closed: %w", aerr)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.forward(ch, ev); err != nil {
				return err
			}
		}
	}
}

// forward publishes one event. Events outside the pattern are ignored.
func (s *Sink) forward(p publisher, ev eventbus.Event) error {
	if !ev.Matches(s.cfg.Pattern) {
		return nil
	}
	body, err := json.Marshal(Envelope{Type: ev.Type, Time: ev.Time, Data: ev.Data})
	if err != nil {
		s.log.Warn("event not serializable", logx.String("type", ev.Type), logx.Err(err))
		return nil
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.Time,
		Type:         ev.Type,
		Body:         body,
	}
	if err := p.Publish(s.cfg.Exchange, ev.Type, false, false, msg); err != nil {
		return fmt.Errorf("amqp publish %s: %w", ev.Type, err)
	}
	return nil
}
