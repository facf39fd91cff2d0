package nodekit

import (
	"os"
	"syscall"

	"github.com/charmbracelet/log"
)

// ProcessRestarter restarts the agent by re-executing the current
// binary in place, which after an applied update boots the new image.
// When exec fails it exits nonzero and leaves the restart to the
// service manager.
type ProcessRestarter struct{}

func (pr ProcessRestarter) Restart(reason string) {
	log.Info("restarting device", "reason", reason)

	executable, err := os.Executable()
	if err == nil {
		err = syscall.Exec(executable, os.Args, os.Environ())
	}

	log.Error("exec restart failed, exiting for service manager", "err", err)
	os.Exit(1)
}
