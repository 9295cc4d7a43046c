package metrics

import (
	"time"
)

type timer struct {
	client Client
	start  time.Time
	name   string
	tags   Tags
}

// Timer starts measuring until Stop. Used to time generator calls per stage.
func Timer(client Client, name string, tags Tags) *timer {
	return &timer{
		client: client,
		start:  time.Now(),
		name:   name,
		tags:   tags,
	}
}

// Stop reports the elapsed time in milliseconds as a distribution
func (t *timer) Stop() {
	t.client.Distribution(t.name, t.tags, float64(time.Since(t.start)/time.Millisecond))
}
