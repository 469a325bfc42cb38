package capture

// State is the lifecycle position of a Loop.
type State int32

const (
	// Idle is a loop that has not been run.
	Idle State = iota
	// WaitingForVideoReady covers model load and the wait for a first decodable frame.
	WaitingForVideoReady
	// Running ticks at the configured period.
	Running
	// Stopped is terminal; a Loop cannot be restarted.
	Stopped
)

// String returns the snake_case name used in logs and Stats.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case WaitingForVideoReady:
		return "waiting_for_video_ready"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
