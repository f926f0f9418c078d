// Package linkio provides the raw operating-system facilities a link proxy
// needs: opening and configuring a serial device, allocating a
// pseudo-terminal pair, and managing the symbolic link that exposes the
// pty slave to the operator. It is the one package in this module that
// talks directly to termios/pty ioctls, grounded on the shape of
// golang.org/x/sys/unix's Termios type and the reference pty-allocation
// code in the retrieval pack (Daedaluz's OpenPTY, jbuchbinder's raw-mode
// posix open).
package linkio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// BaudConstant maps an allowed baud rate to its termios CBAUD constant.
// The set is intentionally closed: any rate not in this table is an
// unsupported baud per the spec, and Configure rejects it outright rather
// than attempting a custom-speed ioctl.
var BaudConstant = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// ErrUnsupportedBaud is returned by Configure when the requested baud rate
// is not in BaudConstant.
type ErrUnsupportedBaud int

func (e ErrUnsupportedBaud) Error() string {
	return fmt.Sprintf("linkio: unsupported baud rate %d", int(e))
}

// OpenSerial opens a serial device for read/write, non-controlling and
// non-blocking, matching §4.4 step 2.
func OpenSerial(devicePath string) (*os.File, error) {
	fd, err := unix.Open(devicePath, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("linkio: open %s: %w", devicePath, err)
	}
	return os.NewFile(uintptr(fd), devicePath), nil
}

// Configure sets a serial fd to 8-N-1, ignores modem control lines, clears
// all input/output post-processing, disables canonical mode and echo, and
// sets VMIN=VTIME=0 (pure non-blocking reads: a read returns whatever is
// immediately available, even zero bytes). baud must be one of
// BaudConstant's keys.
func Configure(f *os.File, baud int) error {
	speed, ok := BaudConstant[baud]
	if !ok {
		return ErrUnsupportedBaud(baud)
	}

	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("linkio: get termios: %w", err)
	}

	t.Iflag = 0
	t.Oflag = 0
	t.Lflag = 0
	t.Cflag = unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Cflag &^= unix.CBAUD
	t.Cflag |= speed
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("linkio: set termios: %w", err)
	}
	return nil
}

// PTYPair is an allocated pseudo-terminal: master is read/written by the
// link proxy, SlaveName is the path to symlink to for the operator.
type PTYPair struct {
	Master    *os.File
	SlaveName string
}

// OpenPTY allocates a fresh pty pair via /dev/ptmx, unlocks the slave, and
// puts the slave side into raw mode with echo disabled (§4.4 steps 1 and
// 4). The slave is opened only long enough to configure it and is then
// closed; the operator's terminal program opens it again via the symlink.
func OpenPTY() (*PTYPair, error) {
	masterFd, err := unix.Open("/dev/ptmx", unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("linkio: open /dev/ptmx: %w", err)
	}
	master := os.NewFile(uintptr(masterFd), "/dev/ptmx")

	if err := unix.IoctlSetPointerInt(masterFd, unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, fmt.Errorf("linkio: unlock pty: %w", err)
	}

	name, err := Ptsname(masterFd)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("linkio: ptsname: %w", err)
	}

	if err := rawSlave(name); err != nil {
		master.Close()
		return nil, err
	}

	if err := unix.SetNonblock(masterFd, true); err != nil {
		master.Close()
		return nil, fmt.Errorf("linkio: set master non-blocking: %w", err)
	}

	return &PTYPair{Master: master, SlaveName: name}, nil
}

// rawSlave opens the pty slave once, puts it in raw mode with no local
// echo, and closes it again.
func rawSlave(name string) error {
	fd, err := unix.Open(name, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return fmt.Errorf("linkio: open pty slave %s: %w", name, err)
	}
	defer unix.Close(fd)

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("linkio: get pty slave termios: %w", err)
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

// Ptsname resolves a pty master fd to its slave device path: the Linux
// equivalent of the ptsname(3) libc call, built from the TIOCGPTN ioctl
// (pty number) joined with the standard /dev/pts/<n> naming used by the
// devpts filesystem.
func Ptsname(masterFd int) (string, error) {
	n, err := unix.IoctlGetUint32(masterFd, unix.TIOCGPTN)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/dev/pts/%d", n), nil
}

// ReplaceSymlink atomically (remove-then-symlink) makes path point at
// target, per §6's "Symbolic link" requirement. It is not an error for
// path to not already exist.
func ReplaceSymlink(target, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("linkio: remove stale symlink %s: %w", path, err)
	}
	if err := os.Symlink(target, path); err != nil {
		return fmt.Errorf("linkio: symlink %s -> %s: %w", path, target, err)
	}
	return nil
}

// RemoveSymlink removes path if it exists; absence is not an error.
func RemoveSymlink(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("linkio: remove symlink %s: %w", path, err)
	}
	return nil
}
