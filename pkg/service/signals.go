package service

import "syscall"

// ignorableSignals lists the catchable signals subscribeSignals sets to
// be ignored during operation: every signal not explicitly handled
// defaults to SIG_IGN. SIGHUP and SIGUSR1 are dispatched through the
// cross-process signal cell rather than as real OS signals, so a real
// OS-delivered SIGHUP/SIGUSR1 is ignored too. SIGCHLD is deliberately
// excluded — Go reaps children via Cmd.Wait, not a SIGCHLD handler, so
// leaving it at its default disposition requires no handler of its own.
// SIGKILL and SIGSTOP are never catchable and so never appear here.
func ignorableSignals() []syscall.Signal {
	return []syscall.Signal{
		syscall.SIGHUP,
		syscall.SIGQUIT,
		syscall.SIGILL,
		syscall.SIGTRAP,
		syscall.SIGABRT,
		syscall.SIGBUS,
		syscall.SIGFPE,
		syscall.SIGUSR1,
		syscall.SIGSEGV,
		syscall.SIGUSR2,
		syscall.SIGPIPE,
		syscall.SIGALRM,
		syscall.SIGTSTP,
		syscall.SIGTTIN,
		syscall.SIGTTOU,
		syscall.SIGURG,
		syscall.SIGXCPU,
		syscall.SIGXFSZ,
		syscall.SIGVTALRM,
		syscall.SIGPROF,
		syscall.SIGWINCH,
		syscall.SIGIO,
		syscall.SIGSYS,
	}
}
