// Package pipeline processes one message unit: decode, validate, normalize
// and write, producing the ack for the sender.
package pipeline

import (
	"context"

	"github.com/xtxerr/perocube/internal/codec"
	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/measurement"
	"github.com/xtxerr/perocube/internal/metrics"
	"github.com/xtxerr/perocube/internal/normalize"
	"github.com/xtxerr/perocube/internal/sink"
	"github.com/xtxerr/perocube/internal/validation"
)

// Stage names the step at which a message stopped.
type Stage string

const (
	StageDecode    Stage = "decode"
	StageValidate  Stage = "validate"
	StageNormalize Stage = "normalize"
	StageWrite     Stage = "write"
	StageDone      Stage = "done"
)

// Ack reasons for write failures. Driver detail is logged, not sent.
const (
	ReasonWriteRejected = "write rejected"
	ReasonWriteFailed   = "write failed"
	ReasonFrameTooLarge = "frame too large"
)

// Result is the outcome of dispatching one message unit.
type Result struct {
	Ack   codec.Ack
	Stage Stage

	// Kind is zero when decoding failed.
	Kind        measurement.Kind
	Measurement measurement.Measurement

	// Err is the underlying error, nil on success.
	Err error
}

// Dispatcher runs the ingestion stages for message units. It holds no
// per-connection state and is shared by every session.
type Dispatcher struct {
	validator  validation.Validator
	normalizer *normalize.Normalizer
	sink       sink.Sink
	metrics    *metrics.Metrics
}

// New creates a Dispatcher. m may be nil.
func New(n *normalize.Normalizer, s sink.Sink, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{normalizer: n, sink: s, metrics: m}
}

// Dispatch processes one frame. It never returns without an ack.
func (d *Dispatcher) Dispatch(ctx context.Context, frame []byte) Result {
	env, err := codec.Decode(frame)
	if err != nil {
		return d.finish(Result{Ack: decodeAck(err), Stage: StageDecode, Err: err})
	}
	return d.Handle(ctx, env)
}

// Handle processes a decoded envelope.
func (d *Dispatcher) Handle(ctx context.Context, env *measurement.Envelope) Result {
	res := Result{Kind: env.Kind}

	if v := d.validator.Validate(measurement.Record(env.Payload), env.Kind); !v.OK {
		res.Stage = StageValidate
		res.Ack = codec.Rejected(v.Reason)
		res.Err = errors.Wrap(errors.ErrInvalidPayload, v.Reason)
		return d.finish(res)
	}

	m, err := d.normalizer.Normalize(env.Payload, env.Metadata, env.Kind)
	if err != nil {
		res.Stage = StageNormalize
		res.Ack = codec.Rejected(err.Error())
		res.Err = err
		return d.finish(res)
	}
	res.Measurement = m

	if err := d.sink.Write(ctx, m); err != nil {
		res.Stage = StageWrite
		res.Err = err
		if class, _ := sink.ClassOf(err); class == sink.Rejected {
			res.Ack = codec.Rejected(ReasonWriteRejected)
		} else {
			res.Ack = codec.Failed(ReasonWriteFailed)
		}
		return d.finish(res)
	}

	res.Stage = StageDone
	res.Ack = codec.OK
	return d.finish(res)
}

// Oversize returns the result for a frame discarded for its size.
func (d *Dispatcher) Oversize() Result {
	return d.finish(Result{
		Ack:   codec.Failed(ReasonFrameTooLarge),
		Stage: StageDecode,
		Err:   errors.ErrFrameTooLarge,
	})
}

func (d *Dispatcher) finish(res Result) Result {
	kind := "unknown"
	if res.Kind.Valid() {
		kind = res.Kind.String()
	}
	d.metrics.Message(kind, string(res.Ack.Status))
	return res
}

// decodeAck answers a decode failure. Unparseable input is answered with the
// bare reason "malformed"; a missing field or an unknown type is named.
func decodeAck(err error) codec.Ack {
	var de *codec.DecodeError
	if !errors.As(err, &de) {
		return codec.Failed(codec.Malformed.String())
	}
	switch {
	case de.Kind == codec.MissingField:
		return codec.Failed(de.Error())
	case errors.Is(err, errors.ErrUnknownKind):
		return codec.Failed(de.Detail)
	default:
		return codec.Failed(codec.Malformed.String())
	}
}
