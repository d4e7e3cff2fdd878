//go:build linux

package task

import (
	"golang.org/x/sys/unix"
)

// createWakeFd creates an eventfd used to interrupt a blocked epoll_wait
// from any goroutine. The same fd serves as both read and write end.
func createWakeFd(initval uint, flags int) (int, int, error) {
	fd, err := unix.Eventfd(initval, flags)
	return fd, fd, err
}
