//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

const epollInitEventListSize = 16

// epollPoller is the epoll-backed Poller. It keeps a descriptor→Channel
// map and a scratch unix.EpollEvent array that starts at
// epollInitEventListSize entries and doubles whenever one wait fills it.
type epollPoller struct {
	epfd    int
	events  []unix.EpollEvent
	channel map[int]*Channel
}

func newEpollPoller() (*epollPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, WrapError("epoll_create1", err)
	}
	return &epollPoller{
		epfd:    fd,
		events:  make([]unix.EpollEvent, epollInitEventListSize),
		channel: make(map[int]*Channel),
	}, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

func (p *epollPoller) Poll(timeout time.Duration, active *[]*Channel) (time.Time, error) {
	timeoutMs := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, nil
		}
		return now, WrapError("epoll_wait", err)
	}
	*active = (*active)[:0]
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		ch, ok := p.channel[fd]
		if !ok {
			continue
		}
		ch.setRevents(epollToPollEvent(p.events[i].Events))
		*active = append(*active, ch)
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return now, nil
}

func (p *epollPoller) UpdateChannel(ch *Channel) {
	switch ch.state {
	case channelNew, channelDeleted:
		fd := ch.fd
		if ch.state == channelNew {
			p.channel[fd] = ch
		}
		ch.state = channelAdded
		p.epollCtl(unix.EPOLL_CTL_ADD, ch)
	case channelAdded:
		if ch.IsNoneEvent() {
			p.epollCtl(unix.EPOLL_CTL_DEL, ch)
			ch.state = channelDeleted
		} else {
			p.epollCtl(unix.EPOLL_CTL_MOD, ch)
		}
	}
}

func (p *epollPoller) RemoveChannel(ch *Channel) {
	delete(p.channel, ch.fd)
	if ch.state == channelAdded {
		p.epollCtl(unix.EPOLL_CTL_DEL, ch)
	}
	ch.state = channelNew
}

func (p *epollPoller) HasChannel(ch *Channel) bool {
	existing, ok := p.channel[ch.fd]
	return ok && existing == ch
}

func (p *epollPoller) epollCtl(op int, ch *Channel) {
	ev := unix.EpollEvent{
		Events: pollEventToEpoll(ch.events),
		Fd:     int32(ch.fd),
	}
	if err := unix.EpollCtl(p.epfd, op, ch.fd, &ev); err != nil {
		fatalf(nil, "epoll_ctl failed", map[string]string{"op": itoa(op), "fd": itoa(ch.fd), "err": err.Error()})
	}
}

func pollEventToEpoll(ev PollEvent) uint32 {
	var out uint32
	if ev&EventReadable != 0 {
		out |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if ev&EventWritable != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func epollToPollEvent(ev uint32) PollEvent {
	var out PollEvent
	if ev&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		out |= EventReadable
	}
	if ev&unix.EPOLLOUT != 0 {
		out |= EventWritable
	}
	if ev&unix.EPOLLERR != 0 {
		out |= EventError
	}
	if ev&unix.EPOLLHUP != 0 {
		out |= EventHangup
	}
	if ev&unix.EPOLLRDHUP != 0 {
		out |= EventReadHangup
	}
	return out
}
