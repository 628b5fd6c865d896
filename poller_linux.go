//go:build linux

package eventloop

import (
	"golang.org/x/sys/unix"
)

// maxFDs bounds direct array indexing of registered descriptors.
const maxFDs = 65536

// IOEvents is a bitmask of readiness conditions.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
	// EventRemoteHangup indicates the peer shut down its write half (stream
	// sockets only), one of the readiness bits AddIO validates its mask
	// against.
	EventRemoteHangup
	// EventPriority indicates urgent/out-of-band data is available.
	EventPriority
	// EventEdgeTriggered requests edge-triggered rather than level-triggered
	// notification.
	EventEdgeTriggered
)

// fdCallback is invoked with the readiness bits observed for a descriptor.
type fdCallback func(IOEvents)

// fdInfo stores per-descriptor registration state. The loop is
// single-threaded, so this requires no synchronization.
type fdInfo struct {
	callback fdCallback
	events   IOEvents
	active   bool
}

// readinessMultiplexer adapts epoll behind add/modify/delete of a single
// descriptor with a readiness mask and an opaque tag (here, simply the
// descriptor's own fd number — every internal descriptor, like a per-clock
// timerfd or the signalfd, is itself a distinct kernel fd, so dispatch
// never risks misidentifying one descriptor as another), plus a blocking
// wait returning a batch of ready descriptors.
//
// An array-indexed epoll wrapper keyed by fd; unlike a multi-goroutine
// poller, no RWMutex or atomic version counter is needed because only the
// loop's owning goroutine ever touches this structure.
type readinessMultiplexer struct {
	epfd     int
	eventBuf [256]unix.EpollEvent
	fds      [maxFDs]fdInfo
	closed   bool
}

func newReadinessMultiplexer() (*readinessMultiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errKernel("epoll_create1", err)
	}
	return &readinessMultiplexer{epfd: epfd}, nil
}

func (p *readinessMultiplexer) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.epfd)
}

// registerTag registers fd (any kernel descriptor, not necessarily one
// backing a user Io source) with cb invoked on readiness.
func (p *readinessMultiplexer) registerTag(fd int, events IOEvents, cb fdCallback) error {
	if fd < 0 || fd >= maxFDs {
		return errResourceExhausted("registerTag", nil)
	}
	if p.fds[fd].active {
		return errBusy("registerTag", "fd already registered")
	}
	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.fds[fd] = fdInfo{}
		return errKernel("epoll_ctl_add", err)
	}
	return nil
}

func (p *readinessMultiplexer) unregister(fd int) error {
	if fd < 0 || fd >= maxFDs || !p.fds[fd].active {
		return errNotFound("unregister", "fd not registered")
	}
	p.fds[fd] = fdInfo{}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *readinessMultiplexer) modify(fd int, events IOEvents) error {
	if fd < 0 || fd >= maxFDs || !p.fds[fd].active {
		return errNotFound("modify", "fd not registered")
	}
	p.fds[fd].events = events
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return errKernel("epoll_ctl_mod", err)
	}
	return nil
}

// wait blocks for up to timeoutMs (-1 for forever) and dispatches every
// ready descriptor's callback inline, returning the number processed.
// EINTR is tolerated and reported as zero events.
func (p *readinessMultiplexer) wait(timeoutMs int) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errKernel("epoll_wait", err)
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd < 0 || fd >= maxFDs {
			continue
		}
		info := p.fds[fd]
		if info.active && info.callback != nil {
			info.callback(epollToEvents(p.eventBuf[i].Events))
		}
	}
	return n, nil
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	if events&EventRemoteHangup != 0 {
		e |= unix.EPOLLRDHUP
	}
	if events&EventPriority != 0 {
		e |= unix.EPOLLPRI
	}
	if events&EventEdgeTriggered != 0 {
		e |= unix.EPOLLET
	}
	return e
}

func epollToEvents(e uint32) IOEvents {
	var events IOEvents
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	if e&unix.EPOLLRDHUP != 0 {
		events |= EventRemoteHangup
	}
	if e&unix.EPOLLPRI != 0 {
		events |= EventPriority
	}
	return events
}
