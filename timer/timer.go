// Package timer bridges host-side timers and the runner. Fires travel host
// to runner as timer frames; registrations travel runner to host as
// structured requests applied against the engine's timer service.
package timer

import (
	"errors"
	"fmt"

	"ferry/eventtime"
	"ferry/state"
	"ferry/wire"
)

// Domain selects the time domain of a timer. Numeric values match the wire
// encoding.
type Domain byte

const (
	DomainProcessingTime Domain = 0
	DomainEventTime      Domain = 1
)

func (d Domain) String() string {
	switch d {
	case DomainProcessingTime:
		return "processing-time"
	case DomainEventTime:
		return "event-time"
	}
	return fmt.Sprintf("domain(%d)", int(d))
}

// Triggerable receives timer fires from a timer service.
type Triggerable interface {
	OnEventTime(t eventtime.Time, key []byte) error
	OnProcessingTime(t eventtime.Time, key []byte) error
}

// Service is the host timer surface registrations are applied to. Calls run
// under the state backend's current key.
type Service interface {
	RegisterEventTimeTimer(t eventtime.Time) error
	RegisterProcessingTimeTimer(t eventtime.Time) error
	DeleteEventTimeTimer(t eventtime.Time) error
	DeleteProcessingTimeTimer(t eventtime.Time) error
}

// Handler frames host timer fires for the runner.
type Handler struct {
	codec *wire.Codec
}

func NewHandler(codec *wire.Codec) *Handler { return &Handler{codec: codec} }

// FireData frames one timer fire. The fire timestamp joins the pending
// queue exactly like a record timestamp, so callback outputs are stamped
// with it.
func (h *Handler) FireData(d Domain, wm eventtime.Watermark, fire eventtime.Time, key []byte) ([]byte, error) {
	data, err := h.codec.EncodeTimer(byte(d), fire, wm, key)
	if err != nil {
		return nil, fmt.Errorf("timer: frame %s fire at %v: %w", d, fire, err)
	}
	return data, nil
}

// Op is a worker-requested timer operation.
type Op byte

const (
	OpRegisterEventTime Op = iota
	OpRegisterProcessingTime
	OpDeleteEventTime
	OpDeleteProcessingTime
)

var opNames = [...]string{
	OpRegisterEventTime:      "register-event-time",
	OpRegisterProcessingTime: "register-processing-time",
	OpDeleteEventTime:        "delete-event-time",
	OpDeleteProcessingTime:   "delete-processing-time",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Request is a structured worker callback asking the host to register or
// delete a timer under a worker-selected key.
type Request struct {
	Op        Op
	Timestamp eventtime.Time
	Key       []byte
}

// ErrBadRegistration marks a request the bridge refuses to apply. Timers
// are relied on for correctness, so malformed requests fail the operator
// instead of being dropped.
var ErrBadRegistration = errors.New("timer: malformed registration")

func (r Request) validate() error {
	switch r.Op {
	case OpRegisterEventTime, OpRegisterProcessingTime, OpDeleteEventTime, OpDeleteProcessingTime:
	default:
		return fmt.Errorf("%w: unknown op %d", ErrBadRegistration, int(r.Op))
	}
	if r.Timestamp < 0 {
		return fmt.Errorf("%w: negative timestamp %d", ErrBadRegistration, int64(r.Timestamp))
	}
	return nil
}

// Registration applies worker timer requests to the host service, pinning
// the state backend's current key to the request key for the duration of
// each call.
//
// Apply may run on the runner's threads; the pinned-key lock keeps backend
// access safe against the operator thread.
type Registration struct {
	service Service
	pinned  *state.PinnedKey
}

func NewRegistration(service Service, pinned *state.PinnedKey) *Registration {
	return &Registration{service: service, pinned: pinned}
}

func (r *Registration) Apply(req Request) error {
	if err := req.validate(); err != nil {
		return err
	}
	return r.pinned.Do(req.Key, func() error {
		var err error
		switch req.Op {
		case OpRegisterEventTime:
			err = r.service.RegisterEventTimeTimer(req.Timestamp)
		case OpRegisterProcessingTime:
			err = r.service.RegisterProcessingTimeTimer(req.Timestamp)
		case OpDeleteEventTime:
			err = r.service.DeleteEventTimeTimer(req.Timestamp)
		case OpDeleteProcessingTime:
			err = r.service.DeleteProcessingTimeTimer(req.Timestamp)
		}
		if err != nil {
			return fmt.Errorf("timer: %s at %v: %w", req.Op, req.Timestamp, err)
		}
		return nil
	})
}
