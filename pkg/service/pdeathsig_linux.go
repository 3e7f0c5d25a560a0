//go:build linux

package service

import (
	"golang.org/x/sys/unix"

	"github.com/cuemby/sentinel/pkg/log"
)

// setPdeathsig asks the kernel to deliver SIGKILL to this process if its
// parent dies first, matching SoftIrqService._set_pdeathsig.
func setPdeathsig() {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0); err != nil {
		log.Logger.Error().Err(err).Msg("service: failed to set PR_SET_PDEATHSIG")
	}
}
