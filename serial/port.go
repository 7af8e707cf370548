package serial

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Port is an open serial device in raw mode.
type Port interface {
	// Read blocks for at most the configured read timeout and returns
	// zero bytes with a nil error when nothing arrived.
	Read(buf []byte) (int, error)
	Close() error
	Path() string
}

// port is the concrete implementation of the Port interface
type port struct {
	mu     sync.RWMutex
	fd     int
	path   string
	config Config
	closed bool
}

// Ensure port implements Port interface at compile time
var _ Port = (*port)(nil)

var baudRates = map[int]uint32{
	50:      unix.B50,
	75:      unix.B75,
	110:     unix.B110,
	134:     unix.B134,
	150:     unix.B150,
	200:     unix.B200,
	300:     unix.B300,
	600:     unix.B600,
	1200:    unix.B1200,
	1800:    unix.B1800,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	576000:  unix.B576000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1152000: unix.B1152000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
	2500000: unix.B2500000,
	3000000: unix.B3000000,
	3500000: unix.B3500000,
	4000000: unix.B4000000,
}

// getBaudRate converts an integer baud rate to the unix constant
func getBaudRate(rate int) (uint32, error) {
	if b, ok := baudRates[rate]; ok {
		return b, nil
	}
	return 0, ErrInvalidBaudRate
}

// Open opens a serial port with the given device path and options
func Open(device string, opts ...Option) (Port, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		if err := opt(&config); err != nil {
			return nil, err
		}
	}

	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", device, mapOpenError(err))
	}

	if err := configurePort(fd, config); err != nil {
		unix.Close(fd)
		return nil, err
	}

	if config.Exclusive {
		if err := unix.IoctlSetInt(fd, unix.TIOCEXCL, 0); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("failed to lock %s: %w", device, err)
		}
	}

	// Stale bytes from before the open belong to nobody
	_ = unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH)

	return &port{
		fd:     fd,
		path:   device,
		config: config,
	}, nil
}

// mapOpenError translates errno values into the package sentinels so
// callers can use errors.Is without importing unix.
func mapOpenError(err error) error {
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENXIO), errors.Is(err, unix.ENODEV):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, unix.EBUSY):
		return fmt.Errorf("%w: %v", ErrDeviceInUse, err)
	default:
		return err
	}
}

// configurePort puts the line in raw 8N1 mode at the configured baud rate
func configurePort(fd int, config Config) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("failed to get termios: %v", err)
	}

	baudRate, err := getBaudRate(config.BaudRate)
	if err != nil {
		return err
	}

	termios.Cflag = unix.CREAD | unix.CLOCAL | baudRate
	termios.Iflag = 0
	termios.Oflag = 0
	termios.Lflag = 0
	termios.Ispeed = baudRate
	termios.Ospeed = baudRate

	// Probes only speak 8N1
	termios.Cflag |= unix.CS8

	// VMIN=0 with VTIME>0: return as soon as any byte is available, or
	// after VTIME tenths with nothing
	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = config.readTimeoutTenths()

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("failed to set termios: %v", err)
	}
	return nil
}

// Path returns the device path the port was opened with
func (p *port) Path() string {
	return p.path
}

// Close closes the serial port. A Read in progress finishes first.
func (p *port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPortClosed
	}
	p.closed = true
	return unix.Close(p.fd)
}

// Read reads data from the serial port
func (p *port) Read(buf []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return 0, ErrPortClosed
	}

	for {
		n, err := unix.Read(p.fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}
