package clock

import (
	"testing"
	"time"
)

func TestFakeAfterAdvances(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0)
	c := Fake(start)

	got := <-c.After(30 * time.Second)
	if !got.Equal(start.Add(30 * time.Second)) {
		t.Fatalf("fired at %v", got)
	}
	if c.Now().Sub(start) != 30*time.Second {
		t.Fatalf("now=%v", c.Now())
	}

	c.Advance(time.Minute)
	<-c.After(0)
	if c.Waited() != 30*time.Second {
		t.Fatalf("waited=%v", c.Waited())
	}
	if c.Now().Sub(start) != 90*time.Second {
		t.Fatalf("now=%v", c.Now())
	}
}
