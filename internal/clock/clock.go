// Package clock provides NTP-corrected time for the Overlay Surface's time
// overlay (spec.md §4.4, interactive sessions only). Adapted from the
// recorder's own NTP offset query, generalized into a self-refreshing
// Clock so the Session Engine doesn't need to re-query NTP on every tick.
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

// Clock tracks the offset between an NTP server's time and the local
// system clock, refreshing it periodically in the background.
type Clock struct {
	server string

	mu     sync.RWMutex
	offset time.Duration

	stop chan struct{}
	done chan struct{}
}

// New queries server once synchronously (so Now() is correct immediately)
// and returns a Clock that refreshes the offset every refreshEvery.
func New(server string, refreshEvery time.Duration) (*Clock, error) {
	offset, err := queryOffset(server)
	if err != nil {
		return nil, err
	}
	c := &Clock{server: server, offset: offset, stop: make(chan struct{}), done: make(chan struct{})}
	go c.refreshLoop(refreshEvery)
	return c, nil
}

func (c *Clock) refreshLoop(every time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if offset, err := queryOffset(c.server); err == nil {
				c.mu.Lock()
				c.offset = offset
				c.mu.Unlock()
			}
		}
	}
}

// Stop halts the refresh loop.
func (c *Clock) Stop() {
	close(c.stop)
	<-c.done
}

// Now returns the current NTP-corrected time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

// queryOffset tries up to 3 times with linear backoff, matching the
// teacher's own NTP query resilience.
func queryOffset(server string) (time.Duration, error) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var resp *ntp.Response
		resp, err = ntp.Query(server)
		if err == nil {
			return resp.ClockOffset, nil
		}
		time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
	}
	return 0, fmt.Errorf("clock: query %s after 3 attempts: %w", server, err)
}
