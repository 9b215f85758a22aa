package astiplayer

import "github.com/asticode/go-astikit"

const (
	EventNamePlayerClosed   astikit.EventName = "astiplayer.player.closed"
	EventNamePlayerDone     astikit.EventName = "astiplayer.player.done"
	EventNamePlayerRunning  astikit.EventName = "astiplayer.player.running"
	EventNamePlayerStarting astikit.EventName = "astiplayer.player.starting"
	EventNamePlayerStopping astikit.EventName = "astiplayer.player.stopping"
	// Payload is the new Status
	EventNameStatusChanged astikit.EventName = "astiplayer.status.changed"
)
