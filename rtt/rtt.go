// Package rtt implements the up (target to host) half of a Real Time
// Transfer style debug transport: named, fixed-size ring buffers that a
// producer writes to and a host-side consumer drains.
//
// Each channel carries an overflow policy. Log output is best effort and
// uses a non-blocking mode; payload data uses ModeBlock so nothing is lost.
package rtt

import (
	"errors"
	"fmt"
)

// Mode is the overflow policy of an up channel.
type Mode int

const (
	// ModeSkip discards a write that does not fit entirely.
	ModeSkip Mode = iota
	// ModeDropOldest discards the oldest buffered bytes to make room.
	ModeDropOldest
	// ModeBlock stalls the producer until the consumer frees space.
	ModeBlock
)

func (m Mode) String() string {
	switch m {
	case ModeSkip:
		return "NoBlockSkip"
	case ModeDropOldest:
		return "NoBlockDropOldest"
	case ModeBlock:
		return "BlockIfFull"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Config describes one up channel.
type Config struct {
	Name string
	Size int
	Mode Mode
}

// ControlBlock holds the up channels of a transport in configuration order.
type ControlBlock struct {
	up []*Channel
}

var ErrConfig = errors.New("rtt: invalid channel config")

// Init creates one up channel per config.
func Init(configs ...Config) (*ControlBlock, error) {
	cb := &ControlBlock{}
	seen := map[string]bool{}
	for i, c := range configs {
		switch {
		case c.Name == "":
			return nil, fmt.Errorf("%w: channel %d has no name", ErrConfig, i)
		case seen[c.Name]:
			return nil, fmt.Errorf("%w: duplicate channel %q", ErrConfig, c.Name)
		case c.Size <= 0:
			return nil, fmt.Errorf("%w: channel %q size %d", ErrConfig, c.Name, c.Size)
		case c.Mode < ModeSkip || c.Mode > ModeBlock:
			return nil, fmt.Errorf("%w: channel %q mode %v", ErrConfig, c.Name, c.Mode)
		}
		seen[c.Name] = true
		cb.up = append(cb.up, newChannel(c))
	}
	return cb, nil
}

// Channels returns the up channels in configuration order.
func (cb *ControlBlock) Channels() []*Channel {
	return cb.up
}

// Up returns the channel with the given name, or nil.
func (cb *ControlBlock) Up(name string) *Channel {
	for _, c := range cb.up {
		if c.name == name {
			return c
		}
	}
	return nil
}

// Close closes every channel.
func (cb *ControlBlock) Close() error {
	for _, c := range cb.up {
		c.Close()
	}
	return nil
}
