package amqpsink

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/streadway/amqp"

	"campaignbot/internal/eventbus"
	logx "campaignbot/pkg/logx"
)

type recordingPublisher struct {
	keys []string
	msgs []amqp.Publishing
	err  error
}

func (p *recordingPublisher) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, exchange+"/"+key)
	p.msgs = append(p.msgs, msg)
	return nil
}

func TestForwardFiltersAndEncodes(t *testing.T) {
	s := New(Config{}, eventbus.New(), logx.Nop())
	p := &recordingPublisher{}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := s.forward(p, eventbus.Event{Type: eventbus.ConfigReloaded, Time: at}); err != nil {
		t.Fatalf("forward: %v", err)
	}
	ev := eventbus.Event{Type: eventbus.CampaignFinished, Time: at, Data: eventbus.CampaignEvent{CampaignID: 7, Status: "completed", Sent: 3}}
	if err := s.forward(p, ev); err != nil {
		t.Fatalf("forward: %v", err)
	}

	if len(p.keys) != 1 || p.keys[0] != DefaultExchange+"/campaign.finished" {
		t.Fatalf("keys = %v", p.keys)
	}
	var got struct {
		Type string                 `json:"type"`
		Data eventbus.CampaignEvent `json:"data"`
	}
	if err := json.Unmarshal(p.msgs[0].Body, &got); err != nil {
		t.Fatalf("body: %v", err)
	}
	if got.Type != eventbus.CampaignFinished || got.Data.CampaignID != 7 || got.Data.Sent != 3 {
		t.Fatalf("decoded = %+v", got)
	}
	if p.msgs[0].DeliveryMode != amqp.Persistent {
		t.Fatalf("expected persistent delivery")
	}
}

func TestForwardPublishError(t *testing.T) {
	s := New(Config{Exchange: "x"}, eventbus.New(), logx.Nop())
	p := &recordingPublisher{err: errors.New("channel closed")}
	err := s.forward(p, eventbus.Event{Type: eventbus.CampaignStarted})
	if err == nil {
		t.Fatalf("expected error")
	}
}
