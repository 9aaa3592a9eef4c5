// Package session models the lifetime of one worker process as a finite
// state machine. States only move forward; a session that timed out during
// boot or lost its command channel is finished and must be replaced.
package session

import (
	"fmt"
	"sync"
)

// State is a point in the worker session lifecycle.
type State int

const (
	NotBooted State = iota
	Listening
	RendezvousAccepted
	Booted
	SceneLoaded
	BootTimedOut
	Broken
)

var stateNames = map[State]string{
	NotBooted:          "not_booted",
	Listening:          "listening",
	RendezvousAccepted: "rendezvous_accepted",
	Booted:             "booted",
	SceneLoaded:        "scene_loaded",
	BootTimedOut:       "boot_timed_out",
	Broken:             "broken",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == BootTimedOut || s == Broken
}

var transitions = map[State][]State{
	NotBooted:          {Listening, BootTimedOut},
	Listening:          {RendezvousAccepted, BootTimedOut},
	RendezvousAccepted: {Booted, BootTimedOut},
	Booted:             {SceneLoaded, Broken},
	SceneLoaded:        {Broken},
}

// Session holds the state and the two ports of one worker process.
// It is safe for concurrent use; the status API reads it while the
// supervisor advances it.
type Session struct {
	mu             sync.RWMutex
	state          State
	rendezvousPort int
	commandPort    int
}

// New returns a session in NotBooted for the given port pair.
func New(rendezvousPort, commandPort int) *Session {
	return &Session{
		state:          NotBooted,
		rendezvousPort: rendezvousPort,
		commandPort:    commandPort,
	}
}

// Advance moves the session to next. Moving to the current state is a
// no-op; any transition not in the table is rejected.
func (s *Session) Advance(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == next {
		return nil
	}
	for _, allowed := range transitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("session: illegal transition %s -> %s", s.state, next)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Booted reports whether the command channel has been opened and not lost.
func (s *Session) Booted() bool {
	st := s.State()
	return st == Booted || st == SceneLoaded
}

// SceneLoaded reports whether the scene has been opened in this session.
func (s *Session) SceneLoaded() bool {
	return s.State() == SceneLoaded
}

// Ports returns the rendezvous and command ports.
func (s *Session) Ports() (rendezvous, command int) {
	return s.rendezvousPort, s.commandPort
}

// Snapshot is a read-only copy of the session for reporting.
type Snapshot struct {
	State          string `json:"state"`
	Booted         bool   `json:"booted"`
	SceneLoaded    bool   `json:"scene_loaded"`
	RendezvousPort int    `json:"rendezvous_port"`
	CommandPort    int    `json:"command_port"`
}

// Snapshot returns the current values.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		State:          s.state.String(),
		Booted:         s.state == Booted || s.state == SceneLoaded,
		SceneLoaded:    s.state == SceneLoaded,
		RendezvousPort: s.rendezvousPort,
		CommandPort:    s.commandPort,
	}
}

// MarkSceneLoaded records that the scene has been opened.
func (s *Session) MarkSceneLoaded() error {
	return s.Advance(SceneLoaded)
}
