package runtime

import (
	"context"
	"fmt"
	"math"

	"go.bytecodealliance.org/wit"

	"github.com/addonkit/addon-runtime/buffer"
	"github.com/addonkit/addon-runtime/engine"
	"github.com/addonkit/addon-runtime/errors"
)

// Instance is one running guest.
// Not safe for concurrent use; synchronize externally or use one goroutine.
type Instance struct {
	module *Module
	winst  *engine.WazeroInstance
}

// Call invokes an exported guest function with typed arguments. The types
// come from the WIT text passed to Load; use CallRaw when none was given.
// String arguments are written into guest memory for the duration of the
// call and freed afterward; a string result is copied out and the guest
// region freed before returning.
func (i *Instance) Call(ctx context.Context, name string, args ...any) (any, error) {
	if i.module == nil {
		return nil, errors.NotInitialized(errors.PhaseRuntime, "instance")
	}

	params, results, err := i.module.Signature(name)
	if err != nil {
		return nil, err
	}
	if len(args) != len(params) {
		return nil, errors.InvalidInput(errors.PhaseCall,
			fmt.Sprintf("%s takes %d arguments, got %d", name, len(params), len(args)))
	}
	if len(results) > 1 {
		return nil, errors.InvalidInput(errors.PhaseCall, name+" declares more than one result")
	}

	allocs := buffer.NewAllocationList()
	defer allocs.FreeAndRelease(i.winst.Allocator())

	stack := make([]uint64, 0, len(params)*2)
	for idx, p := range params {
		lowered, err := i.lowerArg(name, idx, p, args[idx], allocs)
		if err != nil {
			return nil, err
		}
		stack = append(stack, lowered...)
	}

	res, err := i.winst.CallRaw(ctx, name, stack...)
	if err != nil {
		return nil, err
	}

	if len(results) == 0 {
		return nil, nil
	}
	return i.liftResult(name, results[0], res)
}

// lowerArg encodes one typed argument onto the raw stack. Guest memory
// written for strings is recorded in allocs for release after the call.
func (i *Instance) lowerArg(export string, index int, p wit.Type, arg any, allocs *buffer.AllocationList) ([]uint64, error) {
	switch p.(type) {
	case wit.String:
		s, ok := arg.(string)
		if !ok {
			return nil, errors.Conversion(export, index, fmt.Sprintf("expected string, got %T", arg))
		}
		if s == "" {
			return []uint64{0, 0}, nil
		}

		length := uint32(len(s))
		ptr, err := i.winst.Allocator().Alloc(length, 1)
		if err != nil {
			return nil, err
		}
		allocs.Add(ptr, length, 1)
		if err := i.winst.Memory().Write(ptr, []byte(s)); err != nil {
			return nil, err
		}
		return []uint64{uint64(ptr), uint64(length)}, nil

	case wit.Bool:
		b, ok := arg.(bool)
		if !ok {
			return nil, errors.Conversion(export, index, fmt.Sprintf("expected bool, got %T", arg))
		}
		if b {
			return []uint64{1}, nil
		}
		return []uint64{0}, nil

	case wit.U8, wit.U16, wit.U32, wit.U64, wit.S8, wit.S16, wit.S32, wit.S64:
		v, err := toU64(arg)
		if err != nil {
			return nil, errors.Conversion(export, index, err.Error())
		}
		return []uint64{v}, nil

	case wit.F32:
		f, err := toFloat(arg)
		if err != nil {
			return nil, errors.Conversion(export, index, err.Error())
		}
		return []uint64{uint64(math.Float32bits(float32(f)))}, nil

	case wit.F64:
		f, err := toFloat(arg)
		if err != nil {
			return nil, errors.Conversion(export, index, err.Error())
		}
		return []uint64{math.Float64bits(f)}, nil

	default:
		return nil, errors.Conversion(export, index, fmt.Sprintf("unsupported parameter type %T", p))
	}
}

// liftResult decodes the raw result slot into a Go value. A string result
// arrives as a packed (ptr, len) region in guest memory, owned by the
// caller; it is copied out and freed here.
func (i *Instance) liftResult(export string, r wit.Type, res []uint64) (any, error) {
	if len(res) == 0 {
		return nil, errors.Conversion(export, 0, "guest returned no value")
	}

	switch r.(type) {
	case wit.String:
		region := buffer.Unpack(res[0])
		if region.Ptr == 0 && region.Len == 0 {
			return "", nil
		}
		data, err := i.winst.Memory().Read(region.Ptr, region.Len)
		if err != nil {
			return nil, err
		}
		s := string(data)
		i.winst.Allocator().Free(region.Ptr, region.Len, 1)
		return s, nil

	case wit.Bool:
		return res[0] != 0, nil
	case wit.U8:
		return uint8(res[0]), nil
	case wit.U16:
		return uint16(res[0]), nil
	case wit.U32:
		return uint32(res[0]), nil
	case wit.U64:
		return res[0], nil
	case wit.S8:
		return int8(res[0]), nil
	case wit.S16:
		return int16(res[0]), nil
	case wit.S32:
		return int32(res[0]), nil
	case wit.S64:
		return int64(res[0]), nil
	case wit.F32:
		return float64(math.Float32frombits(uint32(res[0]))), nil
	case wit.F64:
		return math.Float64frombits(res[0]), nil

	default:
		return nil, errors.Conversion(export, 0, fmt.Sprintf("unsupported result type %T", r))
	}
}

// CallRaw invokes an exported guest function with raw stack values.
func (i *Instance) CallRaw(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	return i.winst.CallRaw(ctx, name, params...)
}

// ExposeBuffer places a native block into guest memory outside any host
// call, for example to seed state before invoking an export. Transfer
// consumes the handle; the guest releases it through release-buffer or the
// table drains it on Close.
func (i *Instance) ExposeBuffer(b *buffer.Buffer, strategy buffer.Strategy) (buffer.Region, error) {
	if strategy == buffer.StrategyTransfer {
		return i.winst.Buffers().Transfer(b, i.winst.Memory(), i.winst.Allocator())
	}
	return b.Expose(i.winst.Memory(), i.winst.Allocator(), buffer.StrategyCopy)
}

// Buffers is the instance's table of transferred blocks.
func (i *Instance) Buffers() *buffer.Table {
	return i.winst.Buffers()
}

func (i *Instance) Close(ctx context.Context) error {
	return i.winst.Close(ctx)
}

func toU64(arg any) (uint64, error) {
	switch v := arg.(type) {
	case int:
		return uint64(v), nil
	case int8:
		return uint64(v), nil
	case int16:
		return uint64(v), nil
	case int32:
		return uint64(v), nil
	case int64:
		return uint64(v), nil
	case uint:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", arg)
	}
}

func toFloat(arg any) (float64, error) {
	switch v := arg.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expected float, got %T", arg)
	}
}
