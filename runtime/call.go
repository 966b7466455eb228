package runtime

import (
	"math"
	"unicode/utf8"

	"github.com/addonkit/addon-runtime/buffer"
	"github.com/addonkit/addon-runtime/engine"
	"github.com/addonkit/addon-runtime/errors"
	"github.com/addonkit/addon-runtime/value"
)

// decodeArgs lifts the raw stack slots of one invocation into values,
// following the declared parameter kinds. A (0, 0) text pair reads as a
// missing argument; text bytes that are not valid UTF-8 decode as a bytes
// value so coercion yields "".
func decodeArgs(export string, params []value.Kind, env *engine.CallEnv) ([]value.Value, error) {
	args := make([]value.Value, len(params))
	slot := 0

	for i, kind := range params {
		switch kind {
		case value.KindText:
			ptr := uint32(env.Raw[slot])
			length := uint32(env.Raw[slot+1])
			slot += 2

			if ptr == 0 && length == 0 {
				args[i] = value.Missing()
				continue
			}
			data, err := env.Memory.Read(ptr, length)
			if err != nil {
				return nil, errors.New(errors.PhaseConvert, errors.KindConversion).
					Export(export).
					Cause(err).
					Detail("read text argument %d", i).
					Build()
			}
			if !utf8.Valid(data) {
				args[i] = value.Bytes(append([]byte(nil), data...))
				continue
			}
			args[i] = value.Text(string(data))

		case value.KindBytes:
			ptr := uint32(env.Raw[slot])
			length := uint32(env.Raw[slot+1])
			slot += 2

			if ptr == 0 && length == 0 {
				args[i] = value.Missing()
				continue
			}
			data, err := env.Memory.Read(ptr, length)
			if err != nil {
				return nil, errors.New(errors.PhaseConvert, errors.KindConversion).
					Export(export).
					Cause(err).
					Detail("read bytes argument %d", i).
					Build()
			}
			// Guest memory views are invalidated by growth; copy out.
			args[i] = value.Bytes(append([]byte(nil), data...))

		case value.KindNumber:
			args[i] = value.Number(math.Float64frombits(env.Raw[slot]))
			slot++

		case value.KindBool:
			args[i] = value.Bool(env.Raw[slot] != 0)
			slot++

		default:
			return nil, errors.Conversion(export, i, "undeclarable parameter kind")
		}
	}
	return args, nil
}

type returnMode uint8

const (
	returnNone returnMode = iota
	returnText
	returnCopy
	returnTransfer
)

// Call is the per-invocation context a handler receives: the export name,
// the decoded arguments, and the return channel back into guest memory.
// Valid only for the duration of the handler; a retained Call answers with
// missing values and expired errors.
type Call struct {
	export    string
	args      []value.Value
	env       *engine.CallEnv
	retRegion buffer.Region
	retMode   returnMode
	canReturn bool
	expired   bool
}

func newCall(export string, args []value.Value, env *engine.CallEnv, canReturn bool) *Call {
	return &Call{
		export:    export,
		args:      args,
		env:       env,
		canReturn: canReturn,
	}
}

// Export returns the name the guest invoked.
func (c *Call) Export() string {
	return c.export
}

// Len returns the declared argument count.
func (c *Call) Len() int {
	return len(c.args)
}

// Arg returns argument i, or a missing value when i is out of range or the
// call has ended.
func (c *Call) Arg(i int) value.Value {
	if c.expired || i < 0 || i >= len(c.args) {
		return value.Missing()
	}
	return c.args[i]
}

// Text returns argument i coerced to a string. Missing and unrepresentable
// arguments coerce to "".
func (c *Call) Text(i int) string {
	return c.Arg(i).Coerce()
}

// SetReturnText writes s into guest memory and stages the packed region as
// the call's return value. An empty string stages the (0, 0) region without
// allocating.
func (c *Call) SetReturnText(s string) error {
	if err := c.checkReturn(); err != nil {
		return err
	}

	if s == "" {
		c.retRegion = buffer.Region{}
		c.retMode = returnText
		return nil
	}

	length := uint32(len(s))
	ptr, err := c.env.Alloc.Alloc(length, 1)
	if err != nil {
		return err
	}
	if err := c.env.Memory.Write(ptr, []byte(s)); err != nil {
		c.env.Alloc.Free(ptr, length, 1)
		return err
	}

	c.retRegion = buffer.Region{Ptr: ptr, Len: length}
	c.retMode = returnText
	return nil
}

// ReturnBuffer exposes b into guest memory and stages the resulting region
// as the return value. StrategyTransfer consumes the handle and defers the
// native release to the instance's buffer table; StrategyCopy releases it
// before returning.
func (c *Call) ReturnBuffer(b *buffer.Buffer, strategy buffer.Strategy) error {
	if err := c.checkReturn(); err != nil {
		return err
	}

	var region buffer.Region
	var err error
	if strategy == buffer.StrategyTransfer {
		region, err = c.env.Buffers.Transfer(b, c.env.Memory, c.env.Alloc)
	} else {
		region, err = b.Expose(c.env.Memory, c.env.Alloc, buffer.StrategyCopy)
	}
	if err != nil {
		return err
	}

	c.retRegion = region
	if strategy == buffer.StrategyTransfer {
		c.retMode = returnTransfer
	} else {
		c.retMode = returnCopy
	}
	return nil
}

func (c *Call) checkReturn() error {
	if c.expired {
		return errors.Expired(c.export)
	}
	if !c.canReturn {
		return errors.InvalidInput(errors.PhaseCall, "export "+c.export+" declares no return")
	}
	if c.retMode != returnNone {
		return errors.InvalidInput(errors.PhaseCall, "return value already set for "+c.export)
	}
	return nil
}

// finish expires the call and yields the staged return, if any.
func (c *Call) finish() (uint64, bool) {
	c.expired = true
	if c.retMode == returnNone || !c.canReturn {
		return 0, false
	}
	return c.retRegion.Packed(), true
}

// discard undoes a staged return after a handler error so the guest
// allocation does not leak.
func (c *Call) discard() {
	switch c.retMode {
	case returnText, returnCopy:
		if c.retRegion.Ptr != 0 {
			c.env.Alloc.Free(c.retRegion.Ptr, c.retRegion.Len, 1)
		}
	case returnTransfer:
		if c.retRegion.Ptr != 0 {
			c.env.Buffers.Drop(c.retRegion.Ptr)
		}
	}
	c.retMode = returnNone
	c.retRegion = buffer.Region{}
}
