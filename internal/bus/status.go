package bus

import (
	"fmt"
	"io"

	ncerr "scriptcon/internal/errors"
)

// Error names carried in ErrorReply frames.
const (
	ErrorFailed        = "scriptcon.Error.Failed"
	ErrorResources     = "scriptcon.Error.Resources"
	ErrorProtocol      = "scriptcon.Error.Protocol"
	ErrorIO            = "scriptcon.Error.IO"
	ErrorUnknownMethod = "scriptcon.Error.UnknownMethod"
	ErrorNoSuchProp    = "scriptcon.Error.NoSuchProperty"
	ErrorReadOnly      = "scriptcon.Error.ReadOnly"
)

// StatusName maps a Go error onto the wire error name that best
// describes it.
func StatusName(err error) string {
	var pe *ncerr.ProtocolError
	var ne *ncerr.NetworkError
	switch {
	case ncerr.Is(err, ncerr.ErrResources):
		return ErrorResources
	case ncerr.Is(err, io.ErrUnexpectedEOF), ncerr.As(err, &ne):
		return ErrorIO
	case ncerr.As(err, &pe):
		return ErrorProtocol
	default:
		return ErrorFailed
	}
}

// ReplyError is an ErrorReply received from a peer.
type ReplyError struct {
	MsgID uint32
	Name  string
	Text  string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Text)
}
