package nodekit

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

const defaultWatchdogInterval = 30 * time.Second

// Watchdog restarts the device when the supervisory loop stops feeding
// it. It runs outside the loop and is the only unconditionally fatal
// path in the agent; persisted state survives it.
type Watchdog struct {
	Interval time.Duration

	feed      chan struct{}
	restarter Restarter
	logger    *log.Logger
}

func NewWatchdog(restarter Restarter) *Watchdog {
	return &Watchdog{
		Interval:  defaultWatchdogInterval,
		feed:      make(chan struct{}, 1),
		restarter: restarter,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "Watchdog: ",
			Level:  log.GetLevel(),
		}),
	}
}

// Feed signals loop progress. Never blocks.
func (wd *Watchdog) Feed() {
	select {
	case wd.feed <- struct{}{}:
	default:
	}
}

// Start watches for feeds until ctx is cancelled.
func (wd *Watchdog) Start(ctx context.Context) {
	go func() {
		timer := time.NewTimer(wd.Interval)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-wd.feed:
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(wd.Interval)
			case <-timer.C:
				wd.logger.Error("loop stopped signaling progress, restarting device")
				wd.restarter.Restart("watchdog timeout")
				return
			}
		}
	}()
}
