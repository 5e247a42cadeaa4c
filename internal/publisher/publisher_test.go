package publisher

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/p2p-engine/pkg/eventbus"
	"github.com/Checker-Finance/p2p-engine/pkg/model"
)

// mockJetStream records published messages; the embedded interface covers
// the methods the publisher never calls.
type mockJetStream struct {
	nats.JetStreamContext
	published []*nats.Msg
	fail      bool
}

func (m *mockJetStream) PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if m.fail {
		return nil, errors.New("mock publish error")
	}
	m.published = append(m.published, msg)
	return &nats.PubAck{Stream: "mock-stream"}, nil
}

func newTestPublisher(fail bool) (*Publisher, *mockJetStream) {
	js := &mockJetStream{fail: fail}
	return &Publisher{
		nc:      nil,
		js:      js,
		subject: "evt.p2p",
		service: "p2p-engine",
	}, js
}

func TestPublishEvent_WrapsInEnvelope(t *testing.T) {
	pub, js := newTestPublisher(false)

	err := pub.PublishEvent(model.Event{
		Topic:     model.TopicTradeMatched,
		UserIDs:   []string{"buyer", "seller"},
		Payload:   map[string]string{"trade_id": "t-1"},
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Len(t, js.published, 1)

	msg := js.published[0]
	assert.Equal(t, "evt.p2p.trade.matched", msg.Subject)
	assert.Equal(t, "trade.matched", msg.Header.Get("event_type"))
	assert.Equal(t, "p2p-engine", msg.Header.Get("service"))
	assert.Equal(t, "application/json", msg.Header.Get("content_type"))

	var env model.Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, model.TopicTradeMatched, env.Topic)
	assert.Equal(t, "1.0.0", env.Version)
	assert.NotEmpty(t, env.ID)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "t-1", payload["trade_id"])
}

func TestPublishEvent_Failure(t *testing.T) {
	pub, _ := newTestPublisher(true)

	err := pub.PublishEvent(model.Event{
		Topic:   model.TopicOrderPlaced,
		Payload: map[string]string{"order_id": "o-1"},
	})
	assert.Error(t, err)
}

func TestAttach_RelaysBusEvents(t *testing.T) {
	pub, js := newTestPublisher(false)
	bus := eventbus.New()
	pub.Attach(bus)

	bus.PublishSync(model.Event{
		Topic:     model.TopicOrderPlaced,
		Payload:   map[string]string{"order_id": "o-1"},
		Timestamp: time.Now().UTC(),
	})

	require.Len(t, js.published, 1)
	assert.Equal(t, "evt.p2p.order.placed", js.published[0].Subject)
}
