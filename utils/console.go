// Package utils provides the pseudo-terminal plumbing an interactive
// sandboxee session needs: the supervisor holds the PTY master, and the
// slave end is handed into the sandboxee through the fd-mapping table
// as its standard streams.
package utils

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

// Console represents a pseudoterminal pair.
type Console struct {
	master *os.File
	slave  *os.File
	path   string
}

// NewConsole creates a new pseudoterminal pair.
func NewConsole() (*Console, error) {
	// Open master PTY
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/ptmx: %w", err)
	}

	// Get slave PTY number
	var ptyno uint32
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL,
		master.Fd(), syscall.TIOCGPTN, uintptr(unsafe.Pointer(&ptyno)))
	if errno != 0 {
		master.Close()
		return nil, fmt.Errorf("TIOCGPTN: %v", errno)
	}

	// Unlock slave PTY
	var unlock int32 = 0
	_, _, errno = syscall.Syscall(syscall.SYS_IOCTL,
		master.Fd(), syscall.TIOCSPTLCK, uintptr(unsafe.Pointer(&unlock)))
	if errno != 0 {
		master.Close()
		return nil, fmt.Errorf("TIOCSPTLCK: %v", errno)
	}

	slavePath := fmt.Sprintf("/dev/pts/%d", ptyno)

	return &Console{
		master: master,
		path:   slavePath,
	}, nil
}

// Master returns the master end of the PTY.
func (c *Console) Master() *os.File {
	return c.master
}

// SlavePath returns the path to the slave PTY.
func (c *Console) SlavePath() string {
	return c.path
}

// OpenSlave opens the slave end of the PTY. The descriptor is what gets
// mapped onto the sandboxee's standard streams.
func (c *Console) OpenSlave() (*os.File, error) {
	if c.slave != nil {
		return c.slave, nil
	}

	slave, err := os.OpenFile(c.path, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("open slave: %w", err)
	}
	c.slave = slave
	return slave, nil
}

// Close closes the console.
func (c *Console) Close() {
	if c.master != nil {
		c.master.Close()
	}
	if c.slave != nil {
		c.slave.Close()
	}
}

// Winsize represents terminal window size.
type Winsize struct {
	Row    uint16
	Col    uint16
	Xpixel uint16
	Ypixel uint16
}

// GetWinsize gets the terminal window size.
func GetWinsize(f *os.File) (*Winsize, error) {
	var ws Winsize
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL,
		f.Fd(), syscall.TIOCGWINSZ, uintptr(unsafe.Pointer(&ws)))
	if errno != 0 {
		return nil, fmt.Errorf("TIOCGWINSZ: %v", errno)
	}
	return &ws, nil
}

// SetWinsize sets the terminal window size, used to propagate the
// supervisor's terminal dimensions onto the sandboxee's PTY.
func SetWinsize(f *os.File, ws *Winsize) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL,
		f.Fd(), syscall.TIOCSWINSZ, uintptr(unsafe.Pointer(ws)))
	if errno != 0 {
		return fmt.Errorf("TIOCSWINSZ: %v", errno)
	}
	return nil
}
