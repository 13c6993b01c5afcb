package websocket

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Handler serves one op. The returned value becomes the response result.
type Handler func(ctx context.Context, req *Request) (any, error)

// Dispatcher routes requests by op.
type Dispatcher struct {
	handlers map[Op]Handler
}

// NewDispatcher builds a dispatch table and fails if any op in the
// catalogue lacks a handler or a handler names an op outside it.
func NewDispatcher(handlers map[Op]Handler) (*Dispatcher, error) {
	d := &Dispatcher{handlers: make(map[Op]Handler, len(handlers))}
	for op, h := range handlers {
		if !op.Valid() {
			return nil, fmt.Errorf("handler registered for unknown op %q", op)
		}
		if h == nil {
			return nil, fmt.Errorf("nil handler for op %q", op)
		}
		d.handlers[op] = h
	}
	if missing := d.Missing(); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, op := range missing {
			names[i] = string(op)
		}
		return nil, fmt.Errorf("no handler for ops: %s", strings.Join(names, ", "))
	}
	return d, nil
}

// Missing lists catalogue ops without a handler, sorted.
func (d *Dispatcher) Missing() []Op {
	var missing []Op
	for _, op := range Ops {
		if _, ok := d.handlers[op]; !ok {
			missing = append(missing, op)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// Dispatch runs the handler for req.Op. Unknown ops return an UNKNOWN_OP
// error payload.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (any, error) {
	h, ok := d.handlers[req.Op]
	if !ok {
		return nil, NewError(ErrorCodeUnknownOp, "Unknown op: "+string(req.Op))
	}
	return h(ctx, req)
}

// HasHandler reports whether op is served.
func (d *Dispatcher) HasHandler(op Op) bool {
	_, ok := d.handlers[op]
	return ok
}
