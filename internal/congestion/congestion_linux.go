package congestion

import (
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

func set(fp *os.File, cc string) error {
	if fp == nil {
		return ErrNoSupport
	}
	return unix.SetsockoptString(int(fp.Fd()), syscall.IPPROTO_TCP,
		unix.TCP_CONGESTION, cc)
}

func get(fp *os.File) (string, error) {
	if fp == nil {
		return "", ErrNoSupport
	}
	cc, err := unix.GetsockoptString(int(fp.Fd()), syscall.IPPROTO_TCP,
		unix.TCP_CONGESTION)
	if err != nil {
		return "", err
	}
	// The kernel may include trailing NULs in the option value.
	return strings.TrimRight(cc, "\x00"), nil
}
