package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/events"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	return nil
}

func TestPublishKeysByRun(t *testing.T) {
	w := &fakeWriter{}
	p := &Publisher{writer: w}
	ev := events.Event{
		RunID:         "run-1",
		Phase:         events.InstanceDetached,
		InstanceID:    "ow-1",
		LoadBalancers: []string{"web"},
		Time:          time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	require.NoError(t, p.Publish(context.Background(), ev))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "run-1", string(msg.Key))
	assert.Equal(t, "phase", msg.Headers[0].Key)
	assert.Equal(t, "instance-detached", string(msg.Headers[0].Value))

	var decoded events.Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, ev, decoded)
}

func TestPublishWrapsWriterError(t *testing.T) {
	boom := errors.New("leader not available")
	p := &Publisher{writer: &fakeWriter{err: boom}}

	err := p.Publish(context.Background(), events.Event{RunID: "run-1", Phase: events.RunStarted})

	assert.ErrorIs(t, err, boom)
}
