package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

type captureWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return c.err
}

func (c *captureWriter) Close() error {
	c.closed = true
	return nil
}

func TestPublishLocationKeysByDriver(t *testing.T) {
	loc := &captureWriter{}
	p := NewKafkaProducerWith(loc, nil)

	require.NoError(t, p.PublishLocation(context.Background(), models.Driver{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, Online: true}))
	require.Len(t, loc.msgs, 1)
	assert.Equal(t, "d1", string(loc.msgs[0].Key))

	var d models.Driver
	require.NoError(t, json.Unmarshal(loc.msgs[0].Value, &d))
	assert.True(t, d.Online)
	assert.Equal(t, 2.0, d.Loc.Lon)
}

func TestPublishDispatchEventKeysByRide(t *testing.T) {
	ev := &captureWriter{}
	p := NewKafkaProducerWith(nil, ev)

	require.NoError(t, p.PublishDispatchEvent(context.Background(), models.DispatchEvent{
		Type: models.EventOffered, RideID: "r1", DriverID: "d1", At: time.Now(),
	}))
	require.Len(t, ev.msgs, 1)
	m := ev.msgs[0]
	assert.Equal(t, "r1", string(m.Key))
	require.Len(t, m.Headers, 1)
	assert.Equal(t, "offered", string(m.Headers[0].Value))

	// No location writer configured.
	assert.NoError(t, p.PublishLocation(context.Background(), models.Driver{ID: "d1"}))
}

func TestPublishSurfacesWriterError(t *testing.T) {
	p := NewKafkaProducerWith(&captureWriter{err: errors.New("leader not available")}, nil)
	assert.Error(t, p.PublishLocation(context.Background(), models.Driver{ID: "d1"}))
}

func TestCloseClosesBothWriters(t *testing.T) {
	loc, ev := &captureWriter{}, &captureWriter{}
	require.NoError(t, NewKafkaProducerWith(loc, ev).Close())
	assert.True(t, loc.closed)
	assert.True(t, ev.closed)
}
