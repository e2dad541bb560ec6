package console

import (
	"fmt"
	"unicode/utf8"

	"scriptcon/internal/bus"
	"scriptcon/internal/engine"
)

// Status is the result code carried in eval and install replies.
type Status uint8

const (
	StatusOK            Status = 0 // compiled and ran
	StatusSyntaxError   Status = 1 // did not compile
	StatusEvalError     Status = 2 // compiled but did not run
	StatusResourceError Status = 3 // insufficient resources
	StatusNeedReset     Status = 4 // reset required before install
	StatusInternalError Status = 5 // undiagnosed
)

// MaxReplyText bounds the text a reply or signal carries, well inside
// the smallest receive window a controller is expected to run.  Longer
// text is cut at a rune boundary and ends in clipMark.
const MaxReplyText = 4 << 10

const clipMark = "..."

func clipText(s string) string {
	if len(s) <= MaxReplyText {
		return s
	}
	n := MaxReplyText - len(clipMark)
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + clipMark
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusSyntaxError:
		return "SYNTAX_ERROR"
	case StatusEvalError:
		return "EVAL_ERROR"
	case StatusResourceError:
		return "RESOURCE_ERROR"
	case StatusNeedReset:
		return "NEED_RESET_ERROR"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Translate maps an engine result onto a reply status and text.
// Evaluation, type and range failures all report StatusEvalError.
func Translate(res engine.Result) (Status, string) {
	var st Status
	switch res.Outcome {
	case engine.OK:
		st = StatusOK
	case engine.Syntax:
		st = StatusSyntaxError
	case engine.Eval, engine.Type, engine.Range:
		st = StatusEvalError
	case engine.Alloc:
		st = StatusResourceError
	default:
		st = StatusInternalError
	}
	text := res.Message
	if text == "" {
		text = defaultText(st)
	}
	return st, text
}

func defaultText(st Status) string {
	switch st {
	case StatusOK:
		return "OK"
	case StatusResourceError:
		return "Out of resources"
	case StatusNeedReset:
		return "Reset required"
	default:
		return st.String()
	}
}

// reply sends a (status, text) reply unless the caller asked for none.
func (c *Console) reply(msg *bus.Message, st Status, text string) Result {
	if msg.NoReplyExpected() {
		return handled(ActionNone)
	}
	if err := msg.NewReply().PutByte(byte(st)).PutString(clipText(text)).Deliver(); err != nil {
		return c.failed(msg, fmt.Errorf("deliver %s reply: %w", st, err))
	}
	return handled(ActionNone)
}

// replyTransportError answers a request that broke in transit with a
// generic status reply built from the error itself, best effort.
func (c *Console) replyTransportError(msg *bus.Message, err error) Result {
	if !msg.NoReplyExpected() {
		if derr := msg.NewStatusReply(err).Deliver(); derr != nil {
			c.logger.Warn("status reply for 0x%08x: %v", msg.MsgID, derr)
		}
	}
	return c.failed(msg, err)
}
