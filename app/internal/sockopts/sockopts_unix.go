//go:build unix

package sockopts

import "golang.org/x/sys/unix"

func init() {
	reuseAddrFunc = reuseAddrImpl
}

func reuseAddrImpl(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}
