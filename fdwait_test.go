package task_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	task "github.com/joeycumines/task"
)

func TestFDWait_ReadableOnPipeWrite(t *testing.T) {
	sched, err := task.New()
	require.NoError(t, err)
	stop := runScheduler(t, sched)
	defer stop()

	fds, err := unix.Pipe2(unix.O_NONBLOCK | unix.O_CLOEXEC)
	require.NoError(t, err)
	readFD, writeFD := fds[0], fds[1]
	defer unix.Close(readFD)
	defer unix.Close(writeFD)

	readDone := make(chan byte, 1)
	start := time.Now()

	_, err = sched.Spawn(context.Background(), func(ctx context.Context) {
		ready, err := task.FDWait(ctx, readFD, task.FDReadable, time.Second)
		require.NoError(t, err)
		require.True(t, ready, "expected the pipe to become readable before the timeout")

		var buf [1]byte
		n, err := unix.Read(readFD, buf[:])
		require.NoError(t, err)
		require.Equal(t, 1, n)
		readDone <- buf[0]
	})
	require.NoError(t, err)

	_, err = sched.Spawn(context.Background(), func(ctx context.Context) {
		_, err := unix.Write(writeFD, []byte{42})
		require.NoError(t, err)
	})
	require.NoError(t, err)

	select {
	case b := <-readDone:
		assert.Equal(t, byte(42), b)
	case <-time.After(2 * time.Second):
		t.Fatal("FDWait never observed the pipe becoming readable")
	}

	assert.Less(t, time.Since(start), time.Second, "fdwait should not have waited for its timeout")
}

func TestFDWait_TimesOutWithoutData(t *testing.T) {
	sched, err := task.New()
	require.NoError(t, err)
	stop := runScheduler(t, sched)
	defer stop()

	fds, err := unix.Pipe2(unix.O_NONBLOCK | unix.O_CLOEXEC)
	require.NoError(t, err)
	readFD, writeFD := fds[0], fds[1]
	defer unix.Close(readFD)
	defer unix.Close(writeFD)

	resultCh := make(chan bool, 1)
	_, err = sched.Spawn(context.Background(), func(ctx context.Context) {
		ready, err := task.FDWait(ctx, readFD, task.FDReadable, 50*time.Millisecond)
		require.NoError(t, err)
		resultCh <- ready
	})
	require.NoError(t, err)

	select {
	case ready := <-resultCh:
		assert.False(t, ready, "no writer ever wrote, so FDWait should report a timeout")
	case <-time.After(2 * time.Second):
		t.Fatal("FDWait never returned")
	}
}

func TestPoll_ReportsReadyAmongMultipleFDs(t *testing.T) {
	sched, err := task.New()
	require.NoError(t, err)
	stop := runScheduler(t, sched)
	defer stop()

	idleFDs, err := unix.Pipe2(unix.O_NONBLOCK | unix.O_CLOEXEC)
	require.NoError(t, err)
	idleRead, idleWrite := idleFDs[0], idleFDs[1]
	defer unix.Close(idleRead)
	defer unix.Close(idleWrite)

	busyFDs, err := unix.Pipe2(unix.O_NONBLOCK | unix.O_CLOEXEC)
	require.NoError(t, err)
	busyRead, busyWrite := busyFDs[0], busyFDs[1]
	defer unix.Close(busyRead)
	defer unix.Close(busyWrite)

	_, err = unix.Write(busyWrite, []byte{7})
	require.NoError(t, err)

	resultCh := make(chan int, 1)
	_, err = sched.Spawn(context.Background(), func(ctx context.Context) {
		pfds := []task.PollFD{
			{FD: idleRead, Events: task.EventRead},
			{FD: busyRead, Events: task.EventRead},
		}
		n, err := task.Poll(ctx, pfds, time.Second)
		require.NoError(t, err)
		assert.Equal(t, task.IOEvents(0), pfds[0].Revents)
		assert.NotZero(t, pfds[1].Revents&task.EventRead)
		resultCh <- n
	})
	require.NoError(t, err)

	select {
	case n := <-resultCh:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("Poll never returned")
	}
}
