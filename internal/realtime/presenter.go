package realtime

import (
	"context"

	"github.com/nozsavsev/keynote-realtime/internal/observable"
	"github.com/nozsavsev/keynote-realtime/internal/room"
)

// Presenter drives a room from the presenter's side. A room is created
// on connect when the presenter has none.
type Presenter struct {
	*Manager[room.PresenterSelf]

	creating *busyFlag
}

func NewPresenter(opts Options) *Presenter {
	p := &Presenter{
		Manager:  newManager[room.PresenterSelf](Role{Hub: PresenterHub}, opts),
		creating: newBusyFlag(),
	}
	p.track(p.creating)
	p.afterConnect = func(ctx context.Context) {
		p.Refresh(ctx)
		if p.CurrentRoom() == nil {
			p.CreateRoom(ctx)
		}
	}
	return p
}

func (p *Presenter) IsCreatingRoom() observable.Readable[bool] {
	return p.creating.value
}

func (p *Presenter) CreateRoom(ctx context.Context) bool {
	p.creating.begin(p.opts.BusyTimeout, nil)

	if p.roomCommand(ctx, "CreateRoom") {
		p.creating.done()
		return true
	}
	return false
}

func (p *Presenter) SetKeynote(ctx context.Context, keynoteID string) bool {
	return p.roomCommand(ctx, "SetKeynote", keynoteID)
}

func (p *Presenter) SetPage(ctx context.Context, page int) bool {
	return p.roomCommand(ctx, "SetPage", page)
}

// NextPage advances one frame, stopping one past the last frame.
func (p *Presenter) NextPage(ctx context.Context) bool {
	r := p.CurrentRoom()
	if r == nil || r.Keynote == nil {
		return false
	}
	next := r.ClampFrame(r.CurrentFrame + 1)
	if next == r.CurrentFrame {
		return false
	}
	return p.SetPage(ctx, next)
}

// PrevPage goes back one frame, stopping at the not-started frame.
func (p *Presenter) PrevPage(ctx context.Context) bool {
	r := p.CurrentRoom()
	if r == nil || r.Keynote == nil {
		return false
	}
	prev := r.ClampFrame(r.CurrentFrame - 1)
	if prev == r.CurrentFrame {
		return false
	}
	return p.SetPage(ctx, prev)
}

func (p *Presenter) SetShowSpectatorQR(ctx context.Context, show bool) bool {
	return p.roomCommand(ctx, "SetShowSpectatorQR", show)
}

func (p *Presenter) GiveTempControl(ctx context.Context, spectatorID string) bool {
	return p.roomCommand(ctx, "GiveTempControl", spectatorID)
}

func (p *Presenter) TakeTempControl(ctx context.Context) bool {
	return p.roomCommand(ctx, "TakeTempControl")
}

// SendRoomCodeToScreen tells a waiting screen which room to join. The
// server does not answer it.
func (p *Presenter) SendRoomCodeToScreen(ctx context.Context, roomCode, screenID string) bool {
	if p.ConnectionState() != Connected {
		return false
	}
	if err := p.send(ctx, "SendRoomCodeToScreen", roomCode, screenID); err != nil {
		p.log.Printf("SendRoomCodeToScreen failed: %v", err)
		return false
	}
	return true
}

func (p *Presenter) SetPresentorName(ctx context.Context, name string) bool {
	return p.meCommand(ctx, "SetPresentorName", name)
}

func (p *Presenter) RemoveSpectator(ctx context.Context, spectatorID string) bool {
	return p.roomCommand(ctx, "RemoveSpectator", spectatorID)
}

func (p *Presenter) RemoveScreen(ctx context.Context, screenID string) bool {
	return p.roomCommand(ctx, "RemoveScreen", screenID)
}
