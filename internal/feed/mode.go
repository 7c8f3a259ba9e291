package feed

import "fmt"

// Mode is where a subscription sits in its lifecycle. The only forward path
// is Connecting -> Streaming -> Connecting -> Polling; Closed is terminal.
type Mode int

const (
	Disconnected Mode = iota
	Connecting
	Streaming
	Polling
	Closed
)

var modeNames = [...]string{"disconnected", "connecting", "streaming", "polling", "closed"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}
