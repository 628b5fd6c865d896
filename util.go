package eventloop

import "unsafe"

// uintptrOf gives every EventSource a stable, comparable identity for the
// tie-break clause every comparator in this package requires.
func uintptrOf(s *EventSource) uintptr {
	return uintptr(unsafe.Pointer(s))
}

// idtype_t values for waitid, per POSIX; not exposed by golang.org/x/sys/unix.
const (
	pIDTypeAll = 0
	pIDTypePID = 1
)

// si_code values for a SIGCHLD siginfo_t, per POSIX; not exposed by
// golang.org/x/sys/unix (its Siginfo only surfaces Signo/Errno/Code plus
// opaque padding).
const (
	cldExited    = 1
	cldKilled    = 2
	cldDumped    = 3
	cldTrapped   = 4
	cldStopped   = 5
	cldContinued = 6
)

// waitidChldInfo overlays the SIGCHLD-specific members of the kernel's
// siginfo_t union (_sigchld: si_pid, si_uid, si_status) onto the opaque
// unix.Siginfo returned by Waitid. The layout is grounded in the Linux
// 64-bit siginfo_t: three leading int32 fields (signo, errno, code), one
// int32 of alignment padding, then si_pid, si_uid, si_status — offsets
// 16/20/24, matching unix.Siginfo's own `Signo, Errno, Code int32; _ int32;
// _ [112]byte` layout on amd64/arm64.
type waitidChldInfo struct {
	Signo  int32
	Errno  int32
	Code   int32
	_      int32
	Pid    int32
	Uid    uint32
	Status int32
}
