package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nozsavsev/keynote-realtime/internal/observable"
	"github.com/nozsavsev/keynote-realtime/internal/room"
)

type Spectator struct {
	*Manager[room.SpectatorSelf]

	joining *busyFlag

	mu           sync.Mutex
	leaveRefresh *time.Timer
}

func NewSpectator(opts Options) *Spectator {
	r := Role{Hub: SpectatorHub}
	if opts.Sessions != nil {
		r.Session = opts.Sessions.SpectatorSession
	}

	s := &Spectator{
		Manager: newManager[room.SpectatorSelf](r, opts),
		joining: newBusyFlag(),
	}
	s.track(s.joining)
	return s
}

// IsJoiningRoom is set while joining or leaving a room.
func (s *Spectator) IsJoiningRoom() observable.Readable[bool] {
	return s.joining.value
}

func (s *Spectator) JoinRoom(ctx context.Context, code string) bool {
	s.joining.begin(s.opts.BusyTimeout, func() {
		s.opts.Notifier.Error("Failed to join room")
	})

	if s.ConnectionState() != Connected {
		return false
	}

	raw, err := s.invoke(ctx, "JoinRoom", room.NormalizeCode(code))
	if err != nil {
		s.log.Printf("JoinRoom failed: %v", err)
		s.opts.Notifier.Error(fmt.Sprintf("Failed to join room: %v", err))
		return false
	}
	r, err := decode[room.Room](raw)
	if err != nil || r == nil {
		return false
	}

	s.setCurrentRoom(r)
	s.joining.done()
	return true
}

// LeaveRoom drops the room locally at once, then re-reads self and room
// after LeaveRefresh so the server side has settled. The re-read has its
// own timer, so a JoinRoom inside that window does not cancel it.
func (s *Spectator) LeaveRoom(ctx context.Context) bool {
	if s.ConnectionState() != Connected {
		return false
	}

	s.joining.begin(s.opts.LeaveRefresh, nil)
	s.scheduleRefresh(s.opts.LeaveRefresh)
	s.setCurrentRoom(nil)

	if _, err := s.invoke(ctx, "LeaveRoom"); err != nil {
		s.log.Printf("LeaveRoom failed: %v", err)
		return false
	}
	return true
}

func (s *Spectator) scheduleRefresh(after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leaveRefresh != nil {
		s.leaveRefresh.Stop()
	}
	s.leaveRefresh = time.AfterFunc(after, func() {
		if s.ConnectionState() != Connected {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.CallTimeout)
		defer cancel()
		s.Refresh(ctx)
	})
}

func (s *Spectator) SetName(ctx context.Context, name string) bool {
	return s.roomCommand(ctx, "SetName", name)
}

func (s *Spectator) SetHandRaised(ctx context.Context, raised bool) bool {
	return s.roomCommand(ctx, "SetHandRaised", raised)
}

func (s *Spectator) SetPage(ctx context.Context, page int) bool {
	return s.roomCommand(ctx, "SetPage", page)
}

// HasTempControl reports whether the presenter handed this spectator
// control of the slides.
func (s *Spectator) HasTempControl() bool {
	me := s.Me()
	r := s.CurrentRoom()
	if me == nil || r == nil {
		return false
	}
	return r.HasTempControl(me.Identifier)
}
