package rulechain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aemos-iot/aemos-core/internal/aemoserr"
)

type fakeSource struct {
	sensors map[string]Value
	devices map[string]Value
	delay   time.Duration
	err     error
}

func (f *fakeSource) LatestSensorValue(ctx context.Context, uuid, key string) (Value, error) {
	return f.lookup(ctx, f.sensors, uuid+"/"+key)
}

func (f *fakeSource) LatestDeviceState(ctx context.Context, uuid, state string) (Value, error) {
	return f.lookup(ctx, f.devices, uuid+"/"+state)
}

func (f *fakeSource) lookup(ctx context.Context, m map[string]Value, key string) (Value, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Value{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Value{}, f.err
	}
	v, ok := m[key]
	if !ok {
		return Value{}, ErrNoValue
	}
	return v, nil
}

func TestCollect(t *testing.T) {
	now := time.Now()
	src := &fakeSource{
		sensors: map[string]Value{sensorA + "/temperature": {Data: 21.5, Timestamp: now}},
		devices: map[string]Value{deviceB + "/power": {Data: "on", Timestamp: now}},
	}
	c := NewCollector(src, nil)

	scope, details, err := c.Collect(context.Background(), []LeafRef{
		{SourceType: SourceSensor, UUID: sensorA, Key: "temperature"},
		{SourceType: SourceDevice, UUID: deviceB, Key: "power"},
		{SourceType: SourceSensor, UUID: sensorA, Key: "humidity"},
	})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if details.TimedOut {
		t.Error("unexpected timeout")
	}

	if v, ok := scope.Lookup(SourceSensor, sensorA, "temperature"); !ok || v.Data != 21.5 {
		t.Errorf("temperature = %v, %v", v, ok)
	}
	if v, ok := scope.Lookup(SourceDevice, deviceB, "power"); !ok || v.Data != "on" {
		t.Errorf("power = %v, %v", v, ok)
	}
	// No recorded value: the ref stays out of the scope.
	if _, ok := scope.Lookup(SourceSensor, sensorA, "humidity"); ok {
		t.Error("humidity present, want absent")
	}
}

func TestCollectTimeoutAbsorbed(t *testing.T) {
	src := &fakeSource{delay: 200 * time.Millisecond}
	c := NewCollector(src, nil)
	c.Timeout = 20 * time.Millisecond

	scope, details, err := c.Collect(context.Background(), []LeafRef{
		{SourceType: SourceSensor, UUID: sensorA, Key: "temperature"},
	})
	if err != nil {
		t.Fatalf("Collect returned error on timeout: %v", err)
	}
	if !details.TimedOut {
		t.Fatal("timedOut = false")
	}
	if len(scope.Sensors) != 0 {
		t.Errorf("scope not empty: %+v", scope.Sensors)
	}
}

func TestCollectPropagatesRepositoryError(t *testing.T) {
	cause := errors.New("disk gone")
	src := &fakeSource{err: cause}
	c := NewCollector(src, nil)

	_, _, err := c.Collect(context.Background(), []LeafRef{
		{SourceType: SourceSensor, UUID: sensorA, Key: "temperature"},
	})
	if !errors.Is(err, cause) {
		t.Errorf("err = %v, want wrapped cause", err)
	}
	// A failing repository is not a deadline overrun.
	if aemoserr.HasCode(err, aemoserr.CodeDataCollectionTimeout) {
		t.Errorf("err = %v, carries a timeout code", err)
	}
}

func TestFromRaw(t *testing.T) {
	ts := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	scope := FromRaw(RawData{
		SensorData: []map[string]any{
			{"UUID": sensorA, "timestamp": ts, "temperature": 22.0, "humidity": 40.0},
			{"temperature": 99.0}, // no UUID, dropped
		},
		DeviceData: []map[string]any{
			{"UUID": deviceB, "timestamp": ts.Format(time.RFC3339Nano), "power": "off"},
		},
	})

	if v, ok := scope.Lookup(SourceSensor, sensorA, "temperature"); !ok || v.Data != 22.0 || !v.Timestamp.Equal(ts) {
		t.Errorf("temperature = %+v, %v", v, ok)
	}
	if _, ok := scope.Lookup(SourceSensor, sensorA, "UUID"); ok {
		t.Error("UUID leaked into values")
	}
	if v, ok := scope.Lookup(SourceDevice, deviceB, "power"); !ok || !v.Timestamp.Equal(ts) {
		t.Errorf("power timestamp = %+v, %v", v, ok)
	}
	if len(scope.Sensors) != 1 {
		t.Errorf("sensors = %d, want 1", len(scope.Sensors))
	}
}
