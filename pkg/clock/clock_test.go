package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManual_AdvanceFiresWaiters(t *testing.T) {
	start := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	c := NewManual(start)

	ch := c.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired before advance")
	default:
	}

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, start.Add(5*time.Second), got)
	default:
		t.Fatal("waiter did not fire")
	}
}

func TestManual_ZeroDurationFiresImmediately(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
}

func TestManual_SetIgnoresBackwards(t *testing.T) {
	start := time.Unix(100, 0)
	c := NewManual(start)
	c.Set(time.Unix(50, 0))
	assert.Equal(t, start, c.Now())
}
