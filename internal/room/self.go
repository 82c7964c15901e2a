package room

// PresenterSelf is what the presentor hub answers to "Me".
type PresenterSelf struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	RoomCode   string `json:"roomCode,omitempty"`
}

type ScreenSelf struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`
}

type SpectatorSelf struct {
	Identifier   string `json:"identifier"`
	Name         string `json:"name"`
	IsHandRaised bool   `json:"isHandRaised"`
	RoomCode     string `json:"roomCode,omitempty"`
}
