package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/airquality-fusion/internal/airquality"
)

var noon = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func estimate(aqi int, at time.Time) airquality.FusedEstimate {
	return airquality.FusedEstimate{
		Pollutant: airquality.PM25,
		Point:     airquality.QueryPoint{Lat: 40.71, Lon: -74.00, Time: at},
		Value:     float64(aqi) / 2,
		Unit:      airquality.UnitUGM3,
		AQI:       aqi,
		Category:  airquality.Category(aqi),
	}
}

func TestDetectorEmitsOnCrossings(t *testing.T) {
	sink := &recordingSink{}
	d := NewDetector([]Sink{sink}, WithClock(func() time.Time { return noon }))
	ctx := context.Background()

	d.Observe(ctx, estimate(30, noon))
	d.Observe(ctx, estimate(45, noon.Add(15*time.Minute)))
	assert.Empty(t, sink.Events(), "no threshold crossed yet")

	d.Observe(ctx, estimate(160, noon.Add(30*time.Minute)))
	d.Observe(ctx, estimate(170, noon.Add(45*time.Minute)))
	d.Observe(ctx, estimate(90, noon.Add(time.Hour)))

	events := sink.Events()
	require.Len(t, events, 2)

	assert.Equal(t, Rising, events[0].Direction)
	assert.Equal(t, 151, events[0].Threshold, "a jump reports the highest threshold crossed")
	assert.Equal(t, 45, events[0].PreviousAQI)
	assert.Equal(t, "Unhealthy", events[0].Category)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, noon, events[0].EmittedAt)

	assert.Equal(t, Falling, events[1].Direction)
	assert.Equal(t, 101, events[1].Threshold)
	assert.Equal(t, 170, events[1].PreviousAQI)
}

func TestDetectorFirstSightingStartsFromZero(t *testing.T) {
	sink := &recordingSink{}
	d := NewDetector([]Sink{sink})

	d.Observe(context.Background(), estimate(120, noon))
	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, 101, events[0].Threshold)
	assert.Equal(t, 0, events[0].PreviousAQI)
}

func TestDetectorDefaultsToCategoryBoundaries(t *testing.T) {
	d := NewDetector(nil)
	assert.Equal(t, airquality.DefaultThresholds, d.thresholds)

	d.thresholds[0] = 1
	assert.Equal(t, airquality.ThresholdModerate, airquality.DefaultThresholds[0], "detectors own their thresholds")
}

func TestDetectorIgnoresOlderEstimatesAndOtherCells(t *testing.T) {
	sink := &recordingSink{}
	d := NewDetector([]Sink{sink})
	ctx := context.Background()

	d.Observe(ctx, estimate(40, noon))
	d.Observe(ctx, estimate(200, noon.Add(-time.Hour)))
	assert.Empty(t, sink.Events())

	elsewhere := estimate(60, noon)
	elsewhere.Point.Lat = 34.05
	d.Observe(ctx, elsewhere)
	require.Len(t, sink.Events(), 1)

	noAQI := estimate(0, noon.Add(time.Hour))
	noAQI.Category = ""
	d.Observe(ctx, noAQI)
	assert.Len(t, sink.Events(), 1)
}

func TestDetectorKeepsPublishingWhenASinkFails(t *testing.T) {
	failing := &recordingSink{err: errors.New("down")}
	healthy := &recordingSink{}
	d := NewDetector([]Sink{failing, healthy}, WithThresholds([]int{101, 51}))

	d.Observe(context.Background(), estimate(70, noon))
	assert.Len(t, failing.Events(), 1)
	require.Len(t, healthy.Events(), 1)
	assert.Equal(t, 51, healthy.Events()[0].Threshold)
}

func TestBroadcasterDeliversAndDropsForSlowSubscribers(t *testing.T) {
	b := NewBroadcaster()
	fast, cancelFast := b.Subscribe(4)
	defer cancelFast()
	_, cancelSlow := b.Subscribe(0)

	err := b.Publish(context.Background(), Event{ID: "e1"})
	assert.ErrorIs(t, err, ErrSubscriberLagging)
	assert.Equal(t, "e1", (<-fast).ID)

	cancelSlow()
	cancelSlow()
	assert.NoError(t, b.Publish(context.Background(), Event{ID: "e2"}))
	assert.Equal(t, "e2", (<-fast).ID)
}

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", f.err)
}

func TestRedisStreamSink(t *testing.T) {
	stream := &fakeStream{}
	sink := NewRedisStreamSink(stream, "")
	ev := Event{ID: "e1", Pollutant: airquality.O3, Direction: Rising, Threshold: 101, EmittedAt: noon}

	require.NoError(t, sink.Publish(context.Background(), ev))
	require.Len(t, stream.args, 1)
	a := stream.args[0]
	assert.Equal(t, "aqfusion:events", a.Stream)
	assert.True(t, a.Approx)

	values := a.Values.(map[string]interface{})
	assert.Equal(t, "O3", values["pollutant"])
	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(values["event"].(string)), &decoded))
	assert.Equal(t, "e1", decoded.ID)

	stream.err = errors.New("READONLY")
	assert.Error(t, sink.Publish(context.Background(), ev))
}

type fakeToken struct {
	done chan struct{}
	err  error
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }

func (t *fakeToken) Done() <-chan struct{} { return t.done }

func (t *fakeToken) Error() error { return t.err }

type fakePublisher struct {
	topics []string
	qos    []byte
	err    error
}

func (f *fakePublisher) Publish(topic string, qos byte, _ bool, _ interface{}) mqtt.Token {
	f.topics = append(f.topics, topic)
	f.qos = append(f.qos, qos)
	return newFakeToken(f.err)
}

func TestMQTTSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTTSink(pub, "city/alerts")
	ev := Event{ID: "e1", Pollutant: airquality.PM25, Cell: "dr5regw"}

	require.NoError(t, sink.Publish(context.Background(), ev))
	assert.Equal(t, []string{"city/alerts/PM25/dr5regw"}, pub.topics)
	assert.Equal(t, []byte{1}, pub.qos)

	pub.err = errors.New("not connected")
	assert.Error(t, sink.Publish(context.Background(), ev))
}
