package tokencache

import (
	"testing"
	"time"

	"github.com/aemos-iot/aemos-core/internal/model"
)

const testToken = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

func TestGetPut(t *testing.T) {
	c := New(nil)
	if _, ok := c.Get(testToken); ok {
		t.Fatal("hit on empty cache")
	}

	sensor := model.Sensor{ID: 5, UUID: "u", OrganizationID: 9}
	c.Put(testToken, sensor, model.DeviceToken{Token: testToken, SensorID: 5})

	e, ok := c.Get(testToken)
	if !ok {
		t.Fatal("miss after Put")
	}
	if e.Sensor.OrganizationID != 9 {
		t.Errorf("sensor = %+v", e.Sensor)
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(nil)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Put(testToken, model.Sensor{}, model.DeviceToken{})

	now = now.Add(c.ttl + time.Second)
	if _, ok := c.Get(testToken); ok {
		t.Error("hit past TTL")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d after expired Get, want 0", c.Len())
	}
}

func TestPurgeExpired(t *testing.T) {
	c := New(nil)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("old", model.Sensor{}, model.DeviceToken{})
	now = now.Add(c.ttl + time.Minute)
	c.Put("fresh", model.Sensor{}, model.DeviceToken{})

	if purged := c.purgeExpired(); purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Error("fresh entry purged")
	}
}

func TestInvalidate(t *testing.T) {
	c := New(nil)
	c.Put(testToken, model.Sensor{}, model.DeviceToken{})
	c.Invalidate(testToken)
	if _, ok := c.Get(testToken); ok {
		t.Error("hit after Invalidate")
	}
}
