package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestNotifyRoutesByEventType(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	n, err := newWithWriter(w, Config{FailedTopic: "harvest.dlq"})
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), harvest.Event{Type: harvest.EventDone, ItemID: "a"}))
	require.NoError(t, n.Notify(context.Background(), harvest.Event{Type: harvest.EventFailed, ItemID: "b", Error: "404"}))

	require.Len(t, w.msgs, 2)
	require.Equal(t, "harvest.items.done", w.msgs[0].Topic)
	require.Equal(t, "harvest.dlq", w.msgs[1].Topic)
	require.Equal(t, []byte("b"), w.msgs[1].Key)
	require.Equal(t, "event_type", w.msgs[1].Headers[0].Key)

	var got harvest.Event
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &got))
	require.Equal(t, "404", got.Error)

	require.NoError(t, n.Close())
	require.True(t, w.closed)
}

func TestNotifyWrapsWriterError(t *testing.T) {
	t.Parallel()

	n, err := newWithWriter(&fakeWriter{err: errors.New("leader not available")}, Config{})
	require.NoError(t, err)
	err = n.Notify(context.Background(), harvest.Event{Type: harvest.EventDone, ItemID: "a"})
	require.ErrorContains(t, err, "write kafka message")
}

func TestNewRequiresBrokers(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)

	n, err := New(Config{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	require.NoError(t, n.Close())
}
