package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/nozsavsev/keynote-realtime/internal/observable"
	"github.com/nozsavsev/keynote-realtime/internal/room"
)

// Screen is a display device waiting to be claimed by a presenter.
type Screen struct {
	*Manager[room.ScreenSelf]

	roomCode *observable.Value[string]
	joining  *busyFlag
	autoJoin atomic.Bool
}

func NewScreen(opts Options) *Screen {
	r := Role{
		Hub: ScreenHub,
		Empty: func(r *room.Room) bool {
			return r.Screen == nil
		},
	}
	if opts.Sessions != nil {
		r.Session = opts.Sessions.ScreenSession
	}

	s := &Screen{
		Manager:  newManager[room.ScreenSelf](r, opts),
		roomCode: observable.New(""),
		joining:  newBusyFlag(),
	}
	s.track(s.joining)
	s.onRoomCode = s.receiveRoomCode
	return s
}

// RoomCode holds the last code pushed by a presenter, until a join.
func (s *Screen) RoomCode() observable.Readable[string] {
	return s.roomCode
}

func (s *Screen) IsJoiningRoom() observable.Readable[bool] {
	return s.joining.value
}

// SetAutoJoin makes the screen join as soon as a room code is pushed.
func (s *Screen) SetAutoJoin(on bool) {
	s.autoJoin.Store(on)
}

func (s *Screen) receiveRoomCode(code string) {
	s.log.Printf("room code received: %s", code)
	s.roomCode.Set(code)

	if !s.autoJoin.Load() || s.ConnectionState() != Connected {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.CallTimeout)
		defer cancel()
		s.JoinRoomAsScreen(ctx, code)
	}()
}

// WaitRoomAsScreen asks the server for a claim code to show on screen.
// It returns "" when not connected or on failure.
func (s *Screen) WaitRoomAsScreen(ctx context.Context) string {
	if s.ConnectionState() != Connected {
		return ""
	}
	raw, err := s.invoke(ctx, "WaitRoomAsScreen")
	if err != nil {
		s.log.Printf("WaitRoomAsScreen failed: %v", err)
		return ""
	}
	var code string
	if err := json.Unmarshal(raw, &code); err != nil {
		return ""
	}
	return code
}

func (s *Screen) JoinRoomAsScreen(ctx context.Context, code string) bool {
	s.joining.begin(s.opts.BusyTimeout, func() {
		s.opts.Notifier.Error("Failed to join room")
	})
	s.roomCode.Set("")

	if s.ConnectionState() != Connected {
		s.log.Printf("cannot join room while %s", s.ConnectionState())
		return false
	}

	raw, err := s.invoke(ctx, "JoinRoomAsScreen", room.NormalizeCode(code))
	if err != nil {
		s.log.Printf("JoinRoomAsScreen failed: %v", err)
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

func (s *Screen) SetPage(ctx context.Context, page int) bool {
	return s.roomCommand(ctx, "SetPage", page)
}

// LeaveRoom detaches the screen from its room without waiting.
func (s *Screen) LeaveRoom(ctx context.Context) {
	if s.ConnectionState() != Connected {
		return
	}
	if err := s.send(ctx, "LeaveRoom"); err != nil {
		s.log.Printf("LeaveRoom failed: %v", err)
	}
}
