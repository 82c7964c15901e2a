package room

import (
	"strings"
	"time"
)

// A live presentation session shared by one presenter, at most one
// screen and any number of spectators.
type Room struct {
	Identifier             string      `json:"identifier"`
	RoomCode               string      `json:"roomCode"`
	Keynote                *Keynote    `json:"keynote,omitempty"`
	CurrentFrame           int         `json:"currentFrame"`
	ShowSpectatorQR        bool        `json:"showSpectatorQR"`
	TempControlSpectatorID *string     `json:"tempControlSpectatorId,omitempty"`
	Presentor              *Presentor  `json:"presentor,omitempty"`
	Screen                 *Screen     `json:"screen,omitempty"`
	Spectators             []Spectator `json:"spectators,omitempty"`
}

type Keynote struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Type              string     `json:"type,omitempty"`
	TransitionType    string     `json:"transitionType,omitempty"`
	TotalFrames       int        `json:"totalFrames"`
	KeynoteURL        *string    `json:"keynoteUrl,omitempty"`
	MobileKeynoteURL  *string    `json:"mobileKeynoteUrl,omitempty"`
	PresentorNotesURL *string    `json:"presentorNotesUrl,omitempty"`
	CreatedAt         *time.Time `json:"createdAt,omitempty"`
}

type Presentor struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

type Screen struct {
	Identifier string `json:"identifier"`
}

type Spectator struct {
	Identifier   string `json:"identifier"`
	Name         string `json:"name"`
	IsHandRaised bool   `json:"isHandRaised"`
}

// Started reports whether the presenter has moved past the waiting frame.
func (r *Room) Started() bool {
	return r != nil && r.CurrentFrame > 0
}

// Ended reports whether the current frame is past the last slide.
func (r *Room) Ended() bool {
	return r != nil && r.Keynote != nil && r.CurrentFrame > r.Keynote.TotalFrames
}

// Live reports whether a screen is attached to the room.
func (r *Room) Live() bool {
	return r != nil && r.Screen != nil
}

// Returns the spectator with the given id, if present
func (r *Room) Spectator(id string) (Spectator, bool) {
	if r == nil {
		return Spectator{}, false
	}
	for _, s := range r.Spectators {
		if s.Identifier == id {
			return s, true
		}
	}
	return Spectator{}, false
}

// HasTempControl reports whether the spectator currently holds slide control.
func (r *Room) HasTempControl(spectatorID string) bool {
	return r != nil && r.TempControlSpectatorID != nil && *r.TempControlSpectatorID == spectatorID
}

// ClampFrame bounds a frame to 0..totalFrames+1. Without a keynote only
// the waiting frame is valid.
func (r *Room) ClampFrame(frame int) int {
	if frame < 0 || r == nil || r.Keynote == nil {
		return 0
	}
	if last := r.Keynote.TotalFrames + 1; frame > last {
		return last
	}
	return frame
}

// Clone returns a deep copy so that callers never share nested values
// with a stored snapshot.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	c.Keynote = r.Keynote.Clone()
	c.TempControlSpectatorID = cloneString(r.TempControlSpectatorID)
	if r.Presentor != nil {
		p := *r.Presentor
		c.Presentor = &p
	}
	if r.Screen != nil {
		s := *r.Screen
		c.Screen = &s
	}
	if r.Spectators != nil {
		c.Spectators = make([]Spectator, len(r.Spectators))
		copy(c.Spectators, r.Spectators)
	}
	return &c
}

func (k *Keynote) Clone() *Keynote {
	if k == nil {
		return nil
	}
	c := *k
	c.KeynoteURL = cloneString(k.KeynoteURL)
	c.MobileKeynoteURL = cloneString(k.MobileKeynoteURL)
	c.PresentorNotesURL = cloneString(k.PresentorNotesURL)
	if k.CreatedAt != nil {
		t := *k.CreatedAt
		c.CreatedAt = &t
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// NormalizeCode ensures consistent formatting (uppercase, trimmed, no
// separators) for codes typed by a user.
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer(" ", "", "-", "").Replace(code)
}

// FormatCode renders a six character code as "ABC - 123".
func FormatCode(code string) string {
	if len(code) != 6 {
		return code
	}
	return code[:3] + " - " + code[3:]
}
