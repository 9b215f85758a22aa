package astiplayer

type Status uint32

const (
	StatusInit Status = iota
	StatusStopped
	StatusPlaying
	StatusPaused
	StatusChanging
	StatusEOF
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusChanging:
		return "changing"
	case StatusEOF:
		return "eof"
	default:
		return "init"
	}
}

// Threads are launched in these statuses
func (s Status) active() bool {
	return s == StatusPlaying || s == StatusPaused || s == StatusEOF
}
