// Package task's I/O registration surface.
//
// File descriptors are registered with the reactor using platform-native
// readiness notification; see reactor_linux.go for the epoll implementation.
//
//	sched.RegisterFD(fd, task.EventRead, func(events task.IOEvents) {
//	    // readable
//	})
//
// Always call UnregisterFD before closing a file descriptor to prevent
// stale event delivery due to FD recycling.
package task

// RegisterFD, UnregisterFD, ModifyFD and the reactor's poll loop are
// implemented in reactor_linux.go.
