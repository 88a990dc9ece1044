package process

import "time"

// Status is the wrapper lifecycle state.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusReady      Status = "ready"
	StatusBusy       Status = "busy"
	StatusTerminated Status = "terminated"
)

// ControlKey is a raw control byte sequence the wrapper can inject without a
// trailing newline.
type ControlKey string

const (
	ControlAccept    ControlKey = "accept"
	ControlReject    ControlKey = "reject"
	ControlEscape    ControlKey = "escape"
	ControlInterrupt ControlKey = "interrupt"
)

// controlBytes maps control keys to the bytes written to the terminal.
var controlBytes = map[ControlKey][]byte{
	ControlAccept:    []byte("y"),
	ControlReject:    []byte("n"),
	ControlEscape:    {0x1b},
	ControlInterrupt: {0x03},
}

// Valid reports whether the key is one of the supported controls.
func (k ControlKey) Valid() bool {
	_, ok := controlBytes[k]
	return ok
}

// Config controls how a wrapper spawns and supervises its subprocess.
type Config struct {
	Command        string
	Args           []string
	WorkingDir     string
	Env            map[string]string
	Cols           int
	Rows           int
	OutputDebounce time.Duration // quiet period before flushing accumulated output
	ReadyDelay     time.Duration // grace before promoting starting -> ready
	KillDeadline   time.Duration // forced kill after terminate request
	ExitDirective  string        // written after the interrupt byte on terminate
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{
		Command:        "claude",
		Cols:           80,
		Rows:           24,
		OutputDebounce: 150 * time.Millisecond,
		ReadyDelay:     2 * time.Second,
		KillDeadline:   time.Second,
		ExitDirective:  "/exit",
	}
}
