package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeNow(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestManagerFiresInExpiryOrder(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewManager(fakeNow(&now))

	var fired []string
	m.Arm(now.Add(3*time.Second), func() { fired = append(fired, "c") })
	m.Arm(now.Add(1*time.Second), func() { fired = append(fired, "a") })
	m.Arm(now.Add(2*time.Second), func() { fired = append(fired, "b") })

	now = now.Add(5 * time.Second)
	m.Tick()

	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, m.Pending())
}

func TestManagerGetNextExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewManager(fakeNow(&now))

	_, ok := m.GetNextExpiry()
	assert.False(t, ok, "no timers pending")

	m.Arm(now.Add(10*time.Second), func() {})
	d, ok := m.GetNextExpiry()
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, d)
}

func TestManagerRescheduleOnlyShortens(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewManager(fakeNow(&now))

	id := m.Arm(now.Add(10*time.Second), func() {})

	m.Reschedule(id, now.Add(20*time.Second))
	d, _ := m.GetNextExpiry()
	assert.Equal(t, 10*time.Second, d, "extension ignored, shorten-only semantics")

	m.Reschedule(id, now.Add(5*time.Second))
	d, _ = m.GetNextExpiry()
	assert.Equal(t, 5*time.Second, d, "shortening applied")
}

func TestManagerCancel(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewManager(fakeNow(&now))

	id := m.Arm(now.Add(time.Second), func() { t.Fatal("should not fire") })
	m.Cancel(id)

	now = now.Add(2 * time.Second)
	m.Tick()
	assert.Equal(t, 0, m.Pending())
}
