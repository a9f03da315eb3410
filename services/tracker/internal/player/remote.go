// Package player provides the server-side stand-in for a client's media
// player. The tracker drives it like a local player; the commands it issues
// are queued and returned to the client, which applies them.
package player

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrNoDuration = errors.New("player: duration unknown")

const (
	CommandPlay  = "play"
	CommandPause = "pause"
	CommandSeek  = "seek"
)

// Command is an instruction the client player must apply.
type Command struct {
	Kind     string  `json:"kind"`
	Position float64 `json:"position_seconds,omitempty"`
}

// Remote mirrors a client player from its reports. While playing, the
// position is extrapolated from the last report and capped at the duration.
type Remote struct {
	clock clockwork.Clock

	mu       sync.Mutex
	duration float64
	position float64
	at       time.Time
	playing  bool
	commands []Command
}

func NewRemote(clock clockwork.Clock, duration float64) *Remote {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Remote{clock: clock, duration: duration, at: clock.Now()}
}

// Report records the client's own view of its position and play state.
func (r *Remote) Report(position float64, playing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.position = r.clampLocked(position)
	r.at = r.clock.Now()
	r.playing = playing
}

// ReportPosition records a position report without changing the play state.
func (r *Remote) ReportPosition(position float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.position = r.clampLocked(position)
	r.at = r.clock.Now()
}

// SetPlaying updates the play state, keeping the extrapolated position.
func (r *Remote) SetPlaying(playing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freezeLocked()
	r.playing = playing
}

func (r *Remote) Play() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freezeLocked()
	r.playing = true
	r.commands = append(r.commands, Command{Kind: CommandPlay})
	return nil
}

func (r *Remote) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freezeLocked()
	r.playing = false
	r.commands = append(r.commands, Command{Kind: CommandPause})
	return nil
}

func (r *Remote) Seek(seconds float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.position = r.clampLocked(seconds)
	r.at = r.clock.Now()
	r.commands = append(r.commands, Command{Kind: CommandSeek, Position: r.position})
	return nil
}

func (r *Remote) CurrentTime() (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentLocked(), nil
}

func (r *Remote) Duration() (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if math.IsNaN(r.duration) || r.duration <= 0 {
		return 0, ErrNoDuration
	}
	return r.duration, nil
}

// Commands returns the queued commands without clearing them.
func (r *Remote) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.commands...)
}

// DrainCommands returns and clears the queued commands.
func (r *Remote) DrainCommands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.commands
	r.commands = nil
	if out == nil {
		out = []Command{}
	}
	return out
}

func (r *Remote) currentLocked() float64 {
	pos := r.position
	if r.playing {
		pos += r.clock.Since(r.at).Seconds()
	}
	return r.clampLocked(pos)
}

func (r *Remote) freezeLocked() {
	r.position = r.currentLocked()
	r.at = r.clock.Now()
}

func (r *Remote) clampLocked(pos float64) float64 {
	if pos < 0 {
		return 0
	}
	if r.duration > 0 && pos > r.duration {
		return r.duration
	}
	return pos
}
