package eventloop

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const nsig = 65 // signals are numbered 1..64 on Linux

// sigsetAdd sets the bit for signo in a Sigset_t.
func sigsetAdd(set *unix.Sigset_t, signo int) {
	set.Val[(signo-1)/64] |= 1 << uint((signo-1)%64)
}

// sigsetHas reports whether signo is set in a Sigset_t.
func sigsetHas(set *unix.Sigset_t, signo int) bool {
	return set.Val[(signo-1)/64]&(1<<uint((signo-1)%64)) != 0
}

// isSignalBlocked queries the calling thread's current signal mask: the
// caller must have blocked the target signal before registering a signal
// source.
func isSignalBlocked(signo int) (bool, error) {
	var cur unix.Sigset_t
	if err := unix.PthreadSigmask(0, nil, &cur); err != nil {
		return false, errKernel("pthread_sigmask", err)
	}
	return sigsetHas(&cur, signo), nil
}

// computeSignalMask rebuilds the managed signal set from every enabled
// signal source plus SIGCHLD if any enabled child source exists.
func (l *Loop) computeSignalMask() unix.Sigset_t {
	var mask unix.Sigset_t
	for signo, s := range l.signalSources {
		if s.enabled != Off {
			sigsetAdd(&mask, signo)
		}
	}
	for _, s := range l.childSources {
		if s.enabled != Off {
			sigsetAdd(&mask, unix.SIGCHLD)
			break
		}
	}
	return mask
}

// rebindSignalFD recomputes the managed mask and, if it changed, installs it
// on the signalfd (creating the fd on first use). Per signalfd(2), a signal
// only reaches the fd once it is blocked in the calling thread's mask;
// add_signal requires the caller to have already blocked user signals, but
// SIGCHLD is added to the managed mask automatically by add_child, so this
// also blocks whatever the managed mask newly gained. Bits are only ever
// added, never removed, so this never unblocks a signal the caller manages
// for reasons unrelated to this loop.
func (l *Loop) rebindSignalFD() error {
	mask := l.computeSignalMask()
	if l.signalFD > 0 && mask == l.signalMask {
		return nil
	}
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &mask, nil); err != nil {
		return errKernel("pthread_sigmask", err)
	}
	if l.signalFD <= 0 {
		fd, err := unix.Signalfd(-1, &mask, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
		if err != nil {
			return errKernel("signalfd", err)
		}
		l.signalFD = fd
		if err := l.poller.registerTag(fd, EventRead, l.onSignalFDReadable); err != nil {
			_ = closeFD(fd)
			l.signalFD = 0
			return errKernel("epoll_ctl", err)
		}
	} else {
		if _, err := unix.Signalfd(l.signalFD, &mask, 0); err != nil {
			return errKernel("signalfd", err)
		}
	}
	l.signalMask = mask
	return nil
}

// onSignalFDReadable drains the signalfd, demultiplexing each delivered
// signal to its source or, for SIGCHLD, to child processing.
func (l *Loop) onSignalFDReadable(IOEvents) {
	var buf [16]unix.SignalfdSiginfo
	const recSize = int(unsafe.Sizeof(unix.SignalfdSiginfo{}))
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), recSize*len(buf))
	for {
		n, err := readFD(l.signalFD, raw)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			l.logger.kernelTolerated("signalfd read", err)
			return
		}
		if n <= 0 {
			return
		}
		count := n / recSize
		for i := 0; i < count; i++ {
			info := &buf[i]
			if int(info.Signo) == unix.SIGCHLD {
				l.processChildSources()
				continue
			}
			if s, ok := l.signalSources[int(info.Signo)]; ok && s.enabled != Off {
				s.signal.lastInfo = SignalInfo{Signo: int(info.Signo), Pid: int(info.Pid), Uid: int(info.Uid)}
				l.markPending(s)
			}
		}
		if n < len(raw) {
			return
		}
	}
}

// childWaitFlags translates a source's requested ChildOptions into waitid's
// wait-status flags. WEXITED is always included so the loop can detect real
// process death for internal bookkeeping even when the source only asked
// for WStopped/WContinued, matching the original implementation's probe
// behavior (see DESIGN.md for the resulting, deliberately clamped, surface
// behavior).
func childWaitFlags(opts ChildOptions) int {
	f := unix.WEXITED
	if opts&WStopped != 0 {
		f |= unix.WSTOPPED
	}
	if opts&WContinued != 0 {
		f |= unix.WCONTINUED
	}
	return f
}

// processChildSources probes every registered child's status: one probe per
// registered child, non-reaping (WNOWAIT) only when the source asked for
// WExited; for other sources the probe itself consumes an exit, which is
// re-consumed (without WNOWAIT) and never surfaced, so the kernel's queue
// never accumulates. Only what the source actually requested is flagged
// pending.
func (l *Loop) processChildSources() {
	for pid, s := range l.childSources {
		if s.enabled == Off || s.pending {
			continue
		}
		c := s.child
		waitFlags := childWaitFlags(c.options)
		probeOpts := unix.WNOHANG | waitFlags
		wantsExit := c.options&WExited != 0
		if wantsExit {
			probeOpts |= unix.WNOWAIT
		}

		var info unix.Siginfo
		err := unix.Waitid(pIDTypePID, pid, &info, probeOpts, nil)
		if err != nil {
			if err == unix.ECHILD {
				l.logger.notice("child source references a process with no such child", err)
				continue
			}
			l.logger.kernelTolerated("waitid", err)
			continue
		}
		if info.Signo == 0 {
			continue // no status change observed
		}

		overlay := (*waitidChldInfo)(unsafe.Pointer(&info))
		code := int(info.Code)
		status := ChildStatus{Pid: int(overlay.Pid), Uid: int(overlay.Uid), Code: code, Status: int(overlay.Status)}
		isZombie := code == cldExited || code == cldKilled || code == cldDumped

		if isZombie && !wantsExit {
			// Not requested: re-consume definitively so the zombie does
			// not linger in the kernel's queue, but never surface it.
			var discard unix.Siginfo
			_ = unix.Waitid(pIDTypePID, pid, &discard, unix.WNOHANG|waitFlags, nil)
			continue
		}
		if code == cldStopped && c.options&WStopped == 0 {
			continue
		}
		if code == cldContinued && c.options&WContinued == 0 {
			continue
		}

		c.lastStatus = status
		c.reapPending = isZombie
		l.markPending(s)
	}
}

// reapChild performs the terminating waitid consume for a zombie child,
// called only after the source's callback has returned.
func (l *Loop) reapChild(s *EventSource) {
	c := s.child
	if !c.reapPending {
		return
	}
	c.reapPending = false
	var discard unix.Siginfo
	_ = unix.Waitid(pIDTypePID, c.pid, &discard, unix.WNOHANG|unix.WEXITED, nil)
}
