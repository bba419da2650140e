package mqtt

import (
	"sync"
	"testing"
	"time"
)

func TestDailyTokensAdd(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	dt.Add(100, 200)
	dt.Add(50, 75)

	in, out, turns := dt.Snapshot()
	if in != 150 || out != 275 || turns != 2 {
		t.Errorf("got (%d, %d, %d), want (150, 275, 2)", in, out, turns)
	}
}

func TestDailyTokensRollover(t *testing.T) {
	now := time.Date(2025, 9, 15, 23, 59, 0, 0, time.UTC)
	dt := NewDailyTokens(time.UTC)
	dt.now = func() time.Time { return now }
	dt.day = dt.today()

	dt.Add(10, 10)
	now = now.Add(2 * time.Minute)
	if in, out, turns := dt.Snapshot(); in != 0 || out != 0 || turns != 0 {
		t.Errorf("after midnight got (%d, %d, %d), want zeros", in, out, turns)
	}
	dt.Add(1, 2)
	if in, out, _ := dt.Snapshot(); in != 1 || out != 2 {
		t.Errorf("new day got (%d, %d)", in, out)
	}
}

func TestDailyTokensConcurrent(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dt.Add(10, 20)
		}()
	}
	wg.Wait()
	if in, out, turns := dt.Snapshot(); in != 1000 || out != 2000 || turns != 100 {
		t.Errorf("got (%d, %d, %d)", in, out, turns)
	}
}
