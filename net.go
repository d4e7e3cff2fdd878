package task

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Resolver resolves a hostname to a set of IP addresses. net.DefaultResolver
// satisfies this interface; tests substitute a fake one instead of doing
// real DNS lookups.
type Resolver interface {
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
}

// DefaultResolver is used by DialTCP when no Resolver is supplied.
var DefaultResolver Resolver = net.DefaultResolver

// Conn is a non-blocking TCP connection whose Read and Write suspend the
// calling task (instead of blocking its goroutine) until the socket is
// actually ready, via the owning Scheduler's reactor.
type Conn struct {
	fd    int
	sched *Scheduler
}

// DialTCP resolves address (host:port) via resolver (DefaultResolver if
// nil) and connects, suspending the calling task until the connection
// completes or fails. DialTCP must be called from within a task.
func DialTCP(ctx context.Context, address string, resolver Resolver) (*Conn, error) {
	t := CurrentTask(ctx)
	if t == nil {
		return nil, errTaskOutsideScheduler("DialTCP")
	}
	if resolver == nil {
		resolver = DefaultResolver
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("task: bad port %q: %w", portStr, err)
	}

	ip, err := resolveOne(ctx, resolver, host)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip.To4())

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return nil, err
	}

	c := &Conn{fd: fd, sched: t.sched}
	if err == unix.EINPROGRESS {
		if err := c.waitWritable(ctx); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
		if serr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); gerr == nil && serr != 0 {
			_ = unix.Close(fd)
			return nil, unix.Errno(serr)
		}
	}

	return c, nil
}

func resolveOne(ctx context.Context, resolver Resolver, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, &HostnameError{Host: host, Cause: err}
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return ip, nil
		}
	}
	return nil, &HostnameError{Host: host, Cause: fmt.Errorf("no A record found")}
}

// waitWritable suspends the calling task until fd is writable.
func (c *Conn) waitWritable(ctx context.Context) error {
	return c.waitFor(ctx, EventWrite)
}

// waitReadable suspends the calling task until fd is readable.
func (c *Conn) waitReadable(ctx context.Context) error {
	return c.waitFor(ctx, EventRead)
}

func (c *Conn) waitFor(ctx context.Context, want IOEvents) error {
	t := CurrentTask(ctx)
	if t == nil {
		return errTaskOutsideScheduler("Conn I/O")
	}
	return t.suspendUntilWake(func(wake func()) func() {
		if err := c.sched.RegisterFD(c.fd, want, func(IOEvents) { wake() }); err != nil {
			wake()
		}
		return func() { _ = c.sched.UnregisterFD(c.fd) }
	})
}

// Read reads into buf, suspending the calling task until the socket is
// readable if it would otherwise block.
func (c *Conn) Read(ctx context.Context, buf []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, buf)
		if err == unix.EAGAIN {
			if werr := c.waitReadable(ctx); werr != nil {
				return 0, werr
			}
			continue
		}
		return n, err
	}
}

// Write writes buf, suspending the calling task until the socket is
// writable if it would otherwise block.
func (c *Conn) Write(ctx context.Context, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Write(c.fd, buf[total:])
		if err == unix.EAGAIN {
			if werr := c.waitWritable(ctx); werr != nil {
				return total, werr
			}
			continue
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

// Listener accepts incoming TCP connections on a non-blocking listening
// socket registered with a Scheduler's reactor.
type Listener struct {
	fd    int
	sched *Scheduler
}

// ListenTCP binds and listens on address (host:port; host may be empty for
// all interfaces). ListenTCP must be called from within a task.
func ListenTCP(ctx context.Context, address string) (*Listener, error) {
	t := CurrentTask(ctx)
	if t == nil {
		return nil, errTaskOutsideScheduler("ListenTCP")
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("task: bad port %q: %w", portStr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	sa := &unix.SockaddrInet4{Port: port}
	if host != "" {
		ip := net.ParseIP(host)
		if ip == nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("task: bad listen host %q", host)
		}
		copy(sa.Addr[:], ip.To4())
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	return &Listener{fd: fd, sched: t.sched}, nil
}

// Addr returns the address the listener is bound to, resolving an
// ephemeral port (":0") to the one the kernel actually assigned.
func (l *Listener) Addr() string {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return ""
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return ""
	}
	ip := net.IP(sa4.Addr[:])
	return net.JoinHostPort(ip.String(), strconv.Itoa(sa4.Port))
}

// Accept suspends the calling task until an incoming connection arrives.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	t := CurrentTask(ctx)
	if t == nil {
		return nil, errTaskOutsideScheduler("Listener.Accept")
	}

	for {
		fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EAGAIN {
			waitErr := t.suspendUntilWake(func(wake func()) func() {
				if err := l.sched.RegisterFD(l.fd, EventRead, func(IOEvents) { wake() }); err != nil {
					wake()
				}
				return func() { _ = l.sched.UnregisterFD(l.fd) }
			})
			if waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return &Conn{fd: fd, sched: t.sched}, nil
	}
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}
