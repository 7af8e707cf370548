package serial

import (
	"errors"
	"testing"
	"time"
)

func TestWithReadTimeout(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		wantErr bool
	}{
		{"0ms (non-blocking)", 0, false},
		{"100ms (valid)", 100 * time.Millisecond, false},
		{"2500ms (valid)", 2500 * time.Millisecond, false},
		{"25500ms (max)", 25500 * time.Millisecond, false},
		{"150ms (not multiple of 100ms)", 150 * time.Millisecond, true},
		{"25600ms (exceeds max)", 25600 * time.Millisecond, true},
		{"-100ms (negative)", -100 * time.Millisecond, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			err := WithReadTimeout(tt.timeout)(&config)
			if (err != nil) != tt.wantErr {
				t.Errorf("WithReadTimeout(%v) error = %v, wantErr %v", tt.timeout, err, tt.wantErr)
			}
			if err == nil && config.ReadTimeout != tt.timeout {
				t.Errorf("ReadTimeout = %v, want %v", config.ReadTimeout, tt.timeout)
			}
		})
	}
}

func TestReadTimeoutTenths(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		want    uint8
	}{
		{0, 0},
		{100 * time.Millisecond, 1},
		{2500 * time.Millisecond, 25},
		{25500 * time.Millisecond, 255},
	}
	for _, tt := range tests {
		c := Config{ReadTimeout: tt.timeout}
		if got := c.readTimeoutTenths(); got != tt.want {
			t.Errorf("readTimeoutTenths(%v) = %d, want %d", tt.timeout, got, tt.want)
		}
	}
}

func TestWithBaudRate(t *testing.T) {
	tests := []struct {
		rate    int
		wantErr bool
	}{
		{115200, false},
		{921600, false},
		{3000000, false},
		{4000000, false},
		{12345, true},
		{0, true},
	}

	for _, tt := range tests {
		config := DefaultConfig()
		err := WithBaudRate(tt.rate)(&config)
		if (err != nil) != tt.wantErr {
			t.Errorf("WithBaudRate(%d) error = %v, wantErr %v", tt.rate, err, tt.wantErr)
		}
		if tt.wantErr && !errors.Is(err, ErrInvalidBaudRate) {
			t.Errorf("WithBaudRate(%d) error = %v, want ErrInvalidBaudRate", tt.rate, err)
		}
	}
}

func TestWithExclusive(t *testing.T) {
	config := DefaultConfig()
	if err := WithExclusive()(&config); err != nil {
		t.Errorf("WithExclusive() error = %v", err)
	}
	if !config.Exclusive {
		t.Errorf("config = %+v, want exclusive", config)
	}
}
