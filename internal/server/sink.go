package server

import (
	"log/slog"
	"sync"

	"github.com/user/patientline/internal/types"
)

// socketSink buffers agent audio for the live socket writer. Muted or
// paused playback drops frames; a full buffer drops the newest frame.
type socketSink struct {
	frames  chan []byte
	flushed chan struct{}

	mu      sync.Mutex
	muted   bool
	playing bool
}

var _ types.AudioSink = (*socketSink)(nil)

func newSocketSink(size int) *socketSink {
	return &socketSink{
		frames:  make(chan []byte, size),
		flushed: make(chan struct{}, 1),
		playing: true,
	}
}

func (s *socketSink) Write(frame []byte) error {
	s.mu.Lock()
	audible := s.playing && !s.muted
	s.mu.Unlock()
	if !audible {
		return nil
	}
	select {
	case s.frames <- frame:
	default:
		slog.Debug("audio buffer full, dropping frame", "bytes", len(frame))
	}
	return nil
}

func (s *socketSink) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *socketSink) Play() error {
	s.mu.Lock()
	s.playing = true
	s.mu.Unlock()
	return nil
}

func (s *socketSink) Pause() {
	s.mu.Lock()
	s.playing = false
	s.mu.Unlock()
}

// Flush drops buffered frames and tells the client to clear its queue.
func (s *socketSink) Flush() {
drain:
	for {
		select {
		case <-s.frames:
		default:
			break drain
		}
	}
	select {
	case s.flushed <- struct{}{}:
	default:
	}
}
