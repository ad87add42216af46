package protocol

import "fmt"

// Flag is the single-byte code that opens every exchange. The numeric value is the wire value.
type Flag uint8

const (
	FlagMasterPing           Flag = 0 // Master liveness check
	FlagSlaveOk              Flag = 1 // Slave acknowledgment
	FlagMasterWantsPath      Flag = 2 // Master requests file content from the slave
	FlagMasterSendsPath      Flag = 3 // Master pushes file content to the slave
	FlagMasterWantsExecution Flag = 4 // Master requests command execution on the slave
)

// number of defined flags, flags are dense from zero
const flagCount = 5

// Flags returns every defined flag in wire order.
func Flags() []Flag {
	flags := make([]Flag, 0, flagCount)
	for i := range flagCount {
		flags = append(flags, Flag(i))
	}
	return flags
}

// ParseFlag maps a wire byte to a Flag, failing with ErrUnknownFlag for bytes outside the defined set
func ParseFlag(b byte) (Flag, error) {
	if b >= flagCount {
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownFlag, b)
	}
	return Flag(b), nil
}

func (f Flag) Valid() bool {
	return f < flagCount
}

func (f Flag) String() string {
	switch f {
	case FlagMasterPing:
		return "MASTER_PING"
	case FlagSlaveOk:
		return "SLAVE_OK"
	case FlagMasterWantsPath:
		return "MASTER_WANTS_PATH"
	case FlagMasterSendsPath:
		return "MASTER_SENDS_PATH"
	case FlagMasterWantsExecution:
		return "MASTER_WANTS_EXECUTION"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(f))
	}
}

// ResyncMode selects how the slave acknowledges the framing of a command right after reading its flag.
type ResyncMode uint8

const (
	ResyncEcho   ResyncMode = 0 // slave echoes the established magic
	ResyncReread ResyncMode = 1 // master resends the magic, slave re-reads it and echoes it back
)

// ParseResyncMode accepts the config names "echo" and "reread"
func ParseResyncMode(s string) (ResyncMode, error) {
	switch s {
	case "", "echo":
		return ResyncEcho, nil
	case "reread":
		return ResyncReread, nil
	default:
		return 0, fmt.Errorf("invalid resync mode %q", s)
	}
}

func (m ResyncMode) String() string {
	switch m {
	case ResyncEcho:
		return "echo"
	case ResyncReread:
		return "reread"
	default:
		return fmt.Sprintf("resync(%d)", uint8(m))
	}
}
