package mqtt

import (
	"sync"
	"time"
)

// DailyTokens tracks token usage for the current local day. It is safe
// for concurrent use.
type DailyTokens struct {
	mu     sync.Mutex
	input  int64
	output int64
	turns  int64
	day    string // YYYY-MM-DD of the current window
	loc    *time.Location
	now    func() time.Time
}

// NewDailyTokens creates a counter that rolls over at midnight in loc.
// A nil loc means time.Local.
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

// Add records the tokens of one completed turn.
func (d *DailyTokens) Add(input, output int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	d.input += int64(input)
	d.output += int64(output)
	d.turns++
}

// Snapshot returns today's input tokens, output tokens, and turn count.
func (d *DailyTokens) Snapshot() (input, output, turns int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	return d.input, d.output, d.turns
}

func (d *DailyTokens) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// rollover zeroes the counters when the day changed. d.mu must be held.
func (d *DailyTokens) rollover() {
	if today := d.today(); today != d.day {
		d.input, d.output, d.turns = 0, 0, 0
		d.day = today
	}
}
