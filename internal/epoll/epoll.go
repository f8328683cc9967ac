// Package epoll wraps the Linux readiness-notification facility behind
// the small surface the reactor needs: add/modify/delete interest, wait
// with a deadline, and a self-wake eventfd for cross-goroutine nudges.
package epoll

import (
	"golang.org/x/sys/unix"
)

// Event mask bits re-exported so callers do not import unix directly.
const (
	EventIn      = unix.EPOLLIN
	EventOut     = unix.EPOLLOUT
	EventErr     = unix.EPOLLERR
	EventHup     = unix.EPOLLHUP
	EventRdHup   = unix.EPOLLRDHUP
	EventEdge    = uint32(unix.EPOLLET)
	EventOneShot = unix.EPOLLONESHOT
)

const maxEvents = 1024

// Poller owns an epoll instance plus an eventfd used to interrupt Wait.
type Poller struct {
	epfd   int
	wakeFd int
	events []unix.EpollEvent
}

// New creates the epoll instance and registers the wake eventfd with
// level-triggered read interest.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	p := &Poller{
		epfd:   epfd,
		wakeFd: wakeFd,
		events: make([]unix.EpollEvent, maxEvents),
	}
	if err := p.Add(wakeFd, EventIn); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Add registers fd with the given interest mask.
func (p *Poller) Add(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify rearms fd with a new interest mask. Required after every
// delivery on a one-shot registration.
func (p *Poller) Modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove deregisters fd.
func (p *Poller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until readiness or timeout. timeoutMS of -1 waits forever.
// EINTR retries internally so callers never see it.
func (p *Poller) Wait(timeoutMS int) (int, error) {
	for {
		n, err := unix.EpollWait(p.epfd, p.events, timeoutMS)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// EventFd returns the fd of the i-th ready event from the last Wait.
func (p *Poller) EventFd(i int) int {
	return int(p.events[i].Fd)
}

// EventMask returns the readiness mask of the i-th ready event.
func (p *Poller) EventMask(i int) uint32 {
	return p.events[i].Events
}

// WakeFd returns the self-wake eventfd so the reactor can recognize its
// own nudges in a wait batch.
func (p *Poller) WakeFd() int {
	return p.wakeFd
}

// Wake interrupts a blocked Wait. Safe to call from any goroutine.
func (p *Poller) Wake() {
	one := [8]byte{0: 1} // eventfd counter increment, host endian
	unix.Write(p.wakeFd, one[:])
}

// DrainWake consumes pending wake counts; called by the reactor when the
// wake fd reports readable.
func (p *Poller) DrainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

// Close releases the epoll instance and the wake fd.
func (p *Poller) Close() {
	if p.wakeFd > 0 {
		unix.Close(p.wakeFd)
		p.wakeFd = -1
	}
	if p.epfd > 0 {
		unix.Close(p.epfd)
		p.epfd = -1
	}
}
