package publish

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speters/rgad/rga"
)

type fakeRedis struct {
	published  map[string][]string
	lists      map[string][]string
	publishErr error
	pushErr    error
	closed     bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{published: map[string][]string{}, lists: map[string][]string{}}
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if f.publishErr != nil {
		return redis.NewIntResult(0, f.publishErr)
	}
	f.published[channel] = append(f.published[channel], string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	if f.pushErr != nil {
		return redis.NewIntResult(0, f.pushErr)
	}
	for _, v := range values {
		f.lists[key] = append([]string{string(v.([]byte))}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd {
	l := f.lists[key]
	if int64(len(l)) > stop+1 {
		f.lists[key] = l[start : stop+1]
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func spectrum(complete bool) *rga.Spectrum {
	return &rga.Spectrum{
		Started:     time.Unix(1700000000, 0).UTC(),
		Min:         1,
		Max:         2,
		StepsPerAMU: 10,
		Points: []rga.Point{
			{AMU: 1, Pressure: 1e-9},
			{AMU: 1.1, Pressure: 2e-9},
		},
		TotalPressure: 3e-7,
		Complete:      complete,
	}
}

func TestRedisPublish(t *testing.T) {
	log, _ := test.NewNullLogger()
	f := newFakeRedis()
	r := NewRedis(f, "rga", 2, log)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Publish(ctx, "SN19436", spectrum(true)))
	}
	require.Len(t, f.published["rga"], 3)
	assert.Len(t, f.lists[HistoryKey("SN19436")], 2)

	var m Message
	require.NoError(t, json.Unmarshal([]byte(f.published["rga"][0]), &m))
	assert.Equal(t, "SN19436", m.Device)
	require.Len(t, m.Spectrum.Points, 2)
	assert.Equal(t, 1.1, m.Spectrum.Points[1].AMU)
	assert.True(t, m.Spectrum.Complete)

	require.NoError(t, r.Close())
	assert.True(t, f.closed)
}

func TestRedisHistoryDisabled(t *testing.T) {
	log, _ := test.NewNullLogger()
	f := newFakeRedis()
	r := NewRedis(f, "rga", 0, log)
	require.NoError(t, r.Publish(context.Background(), "x", spectrum(false)))
	assert.Len(t, f.published["rga"], 1)
	assert.Empty(t, f.lists)
}

func TestRedisErrors(t *testing.T) {
	log, hook := test.NewNullLogger()
	f := newFakeRedis()
	r := NewRedis(f, "rga", 10, log)
	ctx := context.Background()

	// a failing history list only warns
	f.pushErr = errors.New("READONLY")
	assert.NoError(t, r.Publish(ctx, "x", spectrum(true)))
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "READONLY")

	f.publishErr = errors.New("connection refused")
	assert.ErrorContains(t, r.Publish(ctx, "x", spectrum(true)), "connection refused")
}

type fakeWriter struct {
	points []*write.Point
	err    error
}

func (f *fakeWriter) WritePoint(ctx context.Context, point ...*write.Point) error {
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, point...)
	return nil
}

func lineProtocol(pts []*write.Point) []string {
	var lines []string
	for _, p := range pts {
		lines = append(lines, strings.TrimSpace(write.PointToLineProtocol(p, time.Second)))
	}
	return lines
}

func TestInfluxPublish(t *testing.T) {
	w := &fakeWriter{}
	i := NewInflux(w)
	require.NoError(t, i.Publish(context.Background(), "SN19436", spectrum(true)))

	lines := lineProtocol(w.points)
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "pressure,device=SN19436,mass=1 pressure="), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "pressure,device=SN19436,mass=1.1 pressure="), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "total_pressure,device=SN19436 pressure="), lines[2])
	for _, l := range lines {
		assert.True(t, strings.HasSuffix(l, " 1700000000"), l)
	}
	require.NoError(t, i.Close())
}

func TestInfluxPartial(t *testing.T) {
	w := &fakeWriter{}
	i := NewInflux(w)
	require.NoError(t, i.Publish(context.Background(), "x", spectrum(false)))
	assert.Len(t, w.points, 2)

	require.NoError(t, i.Publish(context.Background(), "x", &rga.Spectrum{}))
	assert.Len(t, w.points, 2)

	w.err = errors.New("unauthorized")
	assert.ErrorContains(t, i.Publish(context.Background(), "x", spectrum(true)), "unauthorized")
}

type countingSink struct {
	n   int
	err error
}

func (c *countingSink) Publish(context.Context, string, *rga.Spectrum) error {
	c.n++
	return c.err
}

func (c *countingSink) Close() error { return c.err }

func TestMulti(t *testing.T) {
	a, b := &countingSink{}, &countingSink{err: errors.New("down")}
	m := Multi{a, b}
	err := m.Publish(context.Background(), "x", spectrum(true))
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
	assert.ErrorContains(t, m.Close(), "down")
	assert.NoError(t, Multi{}.Publish(context.Background(), "x", spectrum(true)))
}
