package notifications

// Alert levels shared by every Notifier implementation. They drive
// channel-specific formatting only; routing is up to the caller.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelSuccess = "success"
)

// Notifier delivers out-of-band alerts raised by the control loop and
// the emergency overlay.
type Notifier interface {
	// SendAlert sends an alert at one of the Level* constants.
	// Unknown levels are delivered with info formatting.
	SendAlert(level, message string) error
}

// Nop is a Notifier that discards all alerts. Used when no channel is
// configured and in tests.
type Nop struct{}

func (Nop) SendAlert(level, message string) error { return nil }
