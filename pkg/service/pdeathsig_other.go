//go:build !linux

package service

// setPdeathsig is a silent no-op on platforms without
// prctl(PR_SET_PDEATHSIG) support.
func setPdeathsig() {}
