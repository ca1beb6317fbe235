// Package playback applies the audio playback preference to the local sink
// and the remote transport.
package playback

import (
	"log/slog"

	"github.com/user/patientline/internal/types"
)

// Muter is the remote half of the gate, usually a connected transport.
type Muter interface {
	Mute(muted bool) error
}

type Gate struct {
	sink   types.AudioSink
	logger *slog.Logger
}

func NewGate(sink types.AudioSink, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{sink: sink, logger: logger}
}

// Apply sets both paths to match enabled: the local sink first, then the
// remote side when remote is non-nil. Local autoplay failures are logged and
// do not stop the remote mute from being applied.
func (g *Gate) Apply(enabled bool, remote Muter) error {
	if g.sink != nil {
		if enabled {
			g.sink.SetMuted(false)
			if err := g.sink.Play(); err != nil {
				g.logger.Warn("autoplay was prevented", "error", err)
			}
		} else {
			g.sink.SetMuted(true)
			g.sink.Pause()
		}
	}

	if remote == nil {
		return nil
	}
	if err := remote.Mute(!enabled); err != nil {
		g.logger.Warn("failed to apply remote mute", "muted", !enabled, "error", err)
		return err
	}
	return nil
}
