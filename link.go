package nodekit

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	LinkConnecting
	LinkUp
	SessionConnecting
	SessionUp
)

func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "disconnected"
	case LinkConnecting:
		return "link_connecting"
	case LinkUp:
		return "link_up"
	case SessionConnecting:
		return "session_connecting"
	case SessionUp:
		return "session_up"
	}
	return "unknown"
}

// Restarter restarts the whole device. The process variants live in
// restart.go; tests plug in a recording fake.
type Restarter interface {
	Restart(reason string)
}

// Provisioner is the boundary to the first-time setup portal. It either
// returns a usable probe address or an error, in which case the agent
// keeps cycling until the portal restarts the device itself.
type Provisioner interface {
	Provision(ctx context.Context) (probeAddr string, err error)
}

const defaultLinkAttempts = 3
const defaultLinkAttemptDelay = 500 * time.Millisecond
const defaultLinkDialTimeout = 2 * time.Second
const defaultMaxFailedLinkCycles = 60

// LinkManager supervises the underlying network connection by probing
// a known reachable address. Each EnsureLink call is bounded: a fixed
// number of short dial attempts, never an unbounded wait. Repeated
// whole-cycle failures end in a device restart, the fatal but
// recoverable path.
type LinkManager struct {
	ProbeAddr    string
	Attempts     int
	AttemptDelay time.Duration
	DialTimeout  time.Duration

	// MaxFailedCycles counts consecutive EnsureLink calls that failed
	// all their attempts before the device restarts itself.
	MaxFailedCycles int

	provisioner  Provisioner
	restarter    Restarter
	dial         func(addr string, timeout time.Duration) (net.Conn, error)
	failedCycles int
	state        ConnectionState
	logger       *log.Logger
}

func NewLinkManager(probeAddr string, restarter Restarter) *LinkManager {
	return &LinkManager{
		ProbeAddr:       probeAddr,
		Attempts:        defaultLinkAttempts,
		AttemptDelay:    defaultLinkAttemptDelay,
		DialTimeout:     defaultLinkDialTimeout,
		MaxFailedCycles: defaultMaxFailedLinkCycles,
		restarter:       restarter,
		dial: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		},
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "LinkManager: ",
			Level:  log.GetLevel(),
		}),
	}
}

func (lm *LinkManager) SetProvisioner(provisioner Provisioner) {
	lm.provisioner = provisioner
}

func (lm *LinkManager) State() ConnectionState {
	return lm.state
}

// EnsureLink probes the link and returns the resulting state. With no
// probe address configured it defers to the provisioning portal first.
func (lm *LinkManager) EnsureLink(ctx context.Context) ConnectionState {
	if len(lm.ProbeAddr) == 0 {
		lm.state = Disconnected
		if lm.provisioner == nil {
			lm.logger.Error("no network configuration and no provisioner, restarting")
			lm.restarter.Restart("no network configuration")
			return lm.state
		}

		addr, err := lm.provisioner.Provision(ctx)
		if err != nil {
			lm.logger.Warn("provisioning not finished", "err", err)
			return lm.state
		}
		lm.ProbeAddr = addr
		lm.logger.Info("provisioning supplied network configuration", "probe", addr)
	}

	lm.state = LinkConnecting

	for attempt := 0; attempt < lm.Attempts; attempt++ {
		conn, err := lm.dial(lm.ProbeAddr, lm.DialTimeout)
		if err == nil {
			conn.Close()
			lm.failedCycles = 0
			lm.state = LinkUp
			return lm.state
		}

		select {
		case <-ctx.Done():
			lm.state = Disconnected
			return lm.state
		case <-time.After(lm.AttemptDelay):
		}
	}

	lm.failedCycles++
	lm.state = Disconnected
	lm.logger.Warn("link probe failed", "probe", lm.ProbeAddr, "failedCycles", lm.failedCycles)

	if lm.failedCycles >= lm.MaxFailedCycles {
		lm.logger.Error("link down for too many cycles, restarting device")
		lm.restarter.Restart("network link unrecoverable")
	}

	return lm.state
}

// Quality reports the wireless signal level in dBm, zero when the
// device has no wireless link.
func (lm *LinkManager) Quality() int {
	return readWirelessLevel("/proc/net/wireless")
}

func readWirelessLevel(path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0
	}

	lines := strings.Split(string(raw), "\n")
	if len(lines) < 3 {
		return 0
	}

	fields := strings.Fields(lines[2])
	if len(fields) < 4 {
		return 0
	}

	level, err := strconv.ParseFloat(strings.TrimSuffix(fields[3], "."), 64)
	if err != nil {
		return 0
	}

	return int(level)
}
