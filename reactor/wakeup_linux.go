//go:build linux
// +build linux

package reactor

import (
	"os"
	"unsafe"

	"github.com/fzft/go-reactor/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func createEventfd() int {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		log.Logger.Fatal("eventloop: create eventfd failed", zap.Error(os.NewSyscallError("eventfd", err)))
	}
	return efd
}

// writeEventfd adds one to the eventfd counter, making it readable.
func writeEventfd(efd int) {
	one := uint64(1)
	n, err := unix.Write(efd, (*(*[8]byte)(unsafe.Pointer(&one)))[:])
	if err != nil && !IsTemporaryError(err) {
		log.Logger.Error("eventloop: write eventfd failed", zap.Int("fd", efd), zap.Error(err))
		return
	}
	if err == nil && n != 8 {
		log.Logger.Error("eventloop: short write to eventfd", zap.Int("fd", efd), zap.Int("n", n))
	}
}

// readEventfd resets the eventfd counter.
func readEventfd(efd int) {
	var counter uint64
	n, err := unix.Read(efd, (*(*[8]byte)(unsafe.Pointer(&counter)))[:])
	if err != nil {
		if !IsTemporaryError(err) {
			log.Logger.Error("eventloop: read eventfd failed", zap.Int("fd", efd), zap.Error(err))
		}
		return
	}
	if n != 8 {
		log.Logger.Error("eventloop: short read from eventfd", zap.Int("fd", efd), zap.Int("n", n))
	}
}
