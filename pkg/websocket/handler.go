package websocket

import "context"

// HandlerFunc processes one request message and returns the response to
// send, or nil for actions that answer out of band.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Dispatcher routes request messages to handlers by action. Registration
// happens at wiring time; Dispatch is safe for concurrent use afterwards.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
	}
}

// RegisterFunc registers the handler for an action, replacing any previous
// registration.
func (d *Dispatcher) RegisterFunc(action string, handler HandlerFunc) {
	d.handlers[action] = handler
}

// Dispatch routes a message to its action's handler. Unknown actions get an
// error message, not a Go error.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	handler, ok := d.handlers[msg.Action]
	if !ok {
		return NewError(msg.ID, msg.Action, ErrorCodeUnknownAction,
			"Unknown action: "+msg.Action, nil)
	}
	return handler(ctx, msg)
}
