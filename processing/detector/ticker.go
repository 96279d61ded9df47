package processing

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Ticker paces the timer-driven pump.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type clockTicker struct {
	t *clock.Ticker
}

func (c clockTicker) C() <-chan time.Time { return c.t.C }
func (c clockTicker) Stop()               { c.t.Stop() }

// ClockTickers returns a TickerFunc backed by clk. Ticks that fire while the
// previous tick is still being processed are coalesced.
func ClockTickers(clk clock.Clock) TickerFunc {
	return func(d time.Duration) Ticker {
		return clockTicker{t: clk.Ticker(d)}
	}
}
