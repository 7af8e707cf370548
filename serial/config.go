package serial

import "time"

// Config holds the configuration for a serial port
type Config struct {
	BaudRate    int
	ReadTimeout time.Duration // VTIME, multiple of 100ms, 0 = non-blocking
	Exclusive   bool          // TIOCEXCL: refuse further opens while held
}

// Option is a functional option for configuring a serial port
type Option func(*Config) error

// maxReadTimeout is the largest VTIME the termios layer can express (255 tenths).
const maxReadTimeout = 25500 * time.Millisecond

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		BaudRate:    115200,
		ReadTimeout: 100 * time.Millisecond,
	}
}

// WithBaudRate sets the baud rate
func WithBaudRate(rate int) Option {
	return func(c *Config) error {
		if _, err := getBaudRate(rate); err != nil {
			return err
		}
		c.BaudRate = rate
		return nil
	}
}

// WithReadTimeout sets how long a Read waits for the first byte before
// returning zero bytes. The kernel counts in tenths of a second, so the
// timeout must be a multiple of 100ms no larger than 25.5s.
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout < 0 || timeout > maxReadTimeout || timeout%(100*time.Millisecond) != 0 {
			return ErrInvalidConfig
		}
		c.ReadTimeout = timeout
		return nil
	}
}

// WithExclusive requests exclusive access (TIOCEXCL) once the port is open
func WithExclusive() Option {
	return func(c *Config) error {
		c.Exclusive = true
		return nil
	}
}

func (c Config) readTimeoutTenths() uint8 {
	return uint8(c.ReadTimeout / (100 * time.Millisecond))
}
