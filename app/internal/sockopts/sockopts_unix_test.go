//go:build unix

package sockopts

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestListenUDPReuseAddr(t *testing.T) {
	so := SocketOptions{ReuseAddr: true}
	conn, err := so.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	rc, err := conn.SyscallConn()
	require.NoError(t, err)
	var v int
	var gerr error
	require.NoError(t, rc.Control(func(fd uintptr) {
		v, gerr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR)
	}))
	assert.NoError(t, gerr)
	assert.NotZero(t, v)
}

func TestListenUDPNoOptions(t *testing.T) {
	so := SocketOptions{}
	conn, err := so.ListenUDP("udp", nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.NotZero(t, conn.LocalAddr().(*net.UDPAddr).Port)
}

func TestListenUDPBuffers(t *testing.T) {
	so := SocketOptions{ReceiveBuffer: 64 * 1024, SendBuffer: 64 * 1024}
	conn, err := so.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	rc, err := conn.SyscallConn()
	require.NoError(t, err)
	var rcv, snd int
	require.NoError(t, rc.Control(func(fd uintptr) {
		rcv, _ = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
		snd, _ = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	}))
	// The kernel may double or clamp the requested size
	assert.NotZero(t, rcv)
	assert.NotZero(t, snd)
}
