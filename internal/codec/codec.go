// Package codec selects the audio codec negotiated for a realtime session.
package codec

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

type Codec string

const (
	Opus Codec = "opus"
	PCMU Codec = "pcmu"
	PCMA Codec = "pcma"
)

const Default = Opus

var ErrReconnectRequired = errors.New("codec change requires reconnect")

// Parse maps a requested codec name to a Codec. Empty selects the default.
func Parse(s string) (Codec, error) {
	switch c := Codec(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return Default, nil
	case Opus, PCMU, PCMA:
		return c, nil
	default:
		return "", fmt.Errorf("unknown codec %q", s)
	}
}

func (c Codec) NarrowBand() bool {
	return c == PCMU || c == PCMA
}

func (c Codec) SampleRate() int {
	if c.NarrowBand() {
		return 8000
	}
	return 48000
}

// AudioFormat is the realtime wire format used for both input and output.
func (c Codec) AudioFormat() string {
	switch c {
	case PCMU:
		return "g711_ulaw"
	case PCMA:
		return "g711_alaw"
	default:
		return "pcm16"
	}
}

// Selector holds the codec preference for one session. The preference is
// pinned while a negotiation is in progress or a transport is live.
type Selector struct {
	mu        sync.Mutex
	requested Codec
	pinned    bool
}

func NewSelector(initial Codec) *Selector {
	if initial == "" {
		initial = Default
	}
	return &Selector{requested: initial}
}

// Request records a new preference. It returns ErrReconnectRequired when a
// different codec is requested while pinned; the preference is still stored
// and applies to the next negotiation.
func (s *Selector) Request(c Codec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := c != s.requested
	s.requested = c
	if changed && s.pinned {
		return ErrReconnectRequired
	}
	return nil
}

// Pin freezes the preference for a negotiation and returns it.
func (s *Selector) Pin() Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned = true
	return s.requested
}

func (s *Selector) Release() {
	s.mu.Lock()
	s.pinned = false
	s.mu.Unlock()
}

func (s *Selector) Current() Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested
}
