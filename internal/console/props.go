package console

import (
	"fmt"

	"scriptcon/internal/bus"
)

// Read-only properties of the console interface.
const (
	PropEngine       = "engine"
	PropMaxEvalLen   = "maxEvalLen"
	PropMaxScriptLen = "maxScriptLen"
)

// Property returns the value of a console property: a string for
// engine, a uint32 for the two limits.
func (c *Console) Property(name string) (interface{}, bool) {
	switch name {
	case PropEngine:
		return c.engineName, true
	case PropMaxEvalLen:
		return c.maxEvalLen, true
	case PropMaxScriptLen:
		return c.store.MaxScriptLen(), true
	default:
		return nil, false
	}
}

// getProperty answers Get(iface s, name s) with a variant.
func (c *Console) getProperty(msg *bus.Message) Result {
	iface, err := msg.ReadString()
	var name string
	if err == nil {
		name, err = msg.ReadString()
	}
	if err != nil {
		return c.replyTransportError(msg, err)
	}

	v, ok := c.Property(name)
	if iface != InterfaceName || !ok {
		return c.replyError(msg, bus.ErrorNoSuchProp, fmt.Sprintf("no property %s.%s", iface, name))
	}
	if msg.NoReplyExpected() {
		return handled(ActionNone)
	}
	if err := msg.NewReply().PutVariant(v).Deliver(); err != nil {
		return c.failed(msg, fmt.Errorf("deliver property %s: %w", name, err))
	}
	return handled(ActionNone)
}

// setProperty rejects every write; all console properties are
// read-only.
func (c *Console) setProperty(msg *bus.Message) Result {
	return c.replyError(msg, bus.ErrorReadOnly, "console properties are read-only")
}

func (c *Console) replyError(msg *bus.Message, name, text string) Result {
	if msg.NoReplyExpected() {
		return handled(ActionNone)
	}
	if err := msg.NewErrorReply(name, text).Deliver(); err != nil {
		return c.failed(msg, fmt.Errorf("deliver %s: %w", name, err))
	}
	return handled(ActionNone)
}
