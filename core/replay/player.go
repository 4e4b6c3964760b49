package replay

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type PlayOptions struct {
	// Speed multiplies ledger time: 2 plays twice as fast as recorded.
	Speed float64
	// SampleInterval, in ledger seconds, switches playback to interpolated
	// samples. Zero plays the records themselves.
	SampleInterval float64
	// MaxPause caps the wall-clock wait between two frames. Zero means no cap.
	MaxPause time.Duration
	Sleep    Sleeper
}

// Play emits states paced by wall clock: the wait before each frame is the
// ledger time since the previous frame divided by Speed. Playback stops
// between frames when ctx is done (returning ctx.Err()) or when emit returns
// an error. Playback never writes to the ledger.
func (e *Engine) Play(ctx context.Context, options PlayOptions, emit func(State) error) error {
	speed := options.Speed
	if speed == 0 {
		speed = 1
	}
	if speed < 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return fmt.Errorf("replay speed must be a positive number, got %v", options.Speed)
	}
	sleep := options.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	first := true
	var previous float64
	for state := range e.Samples(options.SampleInterval) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !first {
			pause := time.Duration((state.Timestamp - previous) / speed * float64(time.Second))
			if options.MaxPause > 0 && pause > options.MaxPause {
				pause = options.MaxPause
			}
			if err := sleep(ctx, pause); err != nil {
				return err
			}
		}
		if err := emit(state); err != nil {
			return err
		}
		first = false
		previous = state.Timestamp
	}
	return nil
}
