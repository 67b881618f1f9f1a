// The remote function-call path: argument-word encoding, the
// sync-before / invoke / sync-after discipline around pointer
// arguments, and return-value decoding.

package executor

import (
	"fmt"
	"math"

	serrors "sandbox2/errors"
	"sandbox2/rpc"
	"sandbox2/rvar"
)

// Call invokes the named function inside the sandboxee. Arguments may
// be Go integers or floats (passed by value), allocated rvar.Variables
// (passed as their remote address), *rvar.Ptr wrappers (synced around
// the call per their direction), or *rvar.Fd (passed as the remote
// descriptor number). A non-nil ret receives the return value.
//
// Errors abort the call and leave the session open, unless the channel
// itself failed, in which case every subsequent operation reports
// Unavailable.
func (e *Executor) Call(name string, ret rvar.Variable, args ...any) error {
	client, err := e.liveClient()
	if err != nil {
		return err
	}

	words := make([]uint64, 0, len(args))
	var after []*rvar.Ptr

	for i, a := range args {
		switch x := a.(type) {
		case int:
			words = append(words, uint64(int64(x)))
		case int32:
			words = append(words, uint64(int64(x)))
		case int64:
			words = append(words, uint64(x))
		case uint32:
			words = append(words, uint64(x))
		case uint64:
			words = append(words, x)
		case uintptr:
			words = append(words, uint64(x))
		case float64:
			words = append(words, math.Float64bits(x))
		case *rvar.Ptr:
			addr, err := e.RemoteAddr(x.Variable)
			if err != nil {
				return err
			}
			if x.SyncsBefore() {
				if err := e.TransferToSandboxee(x.Variable); err != nil {
					return err
				}
			}
			if x.SyncsAfter() {
				after = append(after, x)
			}
			words = append(words, addr)
		case *rvar.Fd:
			if _, err := e.lookupVar(x); err != nil {
				return err
			}
			words = append(words, uint64(x.Remote))
		case rvar.Variable:
			addr, err := e.RemoteAddr(x)
			if err != nil {
				return err
			}
			words = append(words, addr)
		default:
			return serrors.New(serrors.ErrInvalidArgument, "executor.Call",
				fmt.Sprintf("argument %d has unsupported type %T", i, a))
		}
	}

	res, err := client.Invoke(rpc.Call{
		Symbol: name,
		Args:   words,
		Return: returnKindFor(ret),
	})
	if err != nil {
		return err
	}

	for _, p := range after {
		if err := e.TransferFromSandboxee(p.Variable); err != nil {
			return err
		}
	}

	if ret != nil {
		if err := ret.Unmarshal(putWord(res.Value)); err != nil {
			return serrors.Wrap(err, serrors.ErrInternal, "executor.Call")
		}
	}
	return nil
}

func returnKindFor(ret rvar.Variable) rpc.ReturnKind {
	switch ret.(type) {
	case nil:
		return rpc.ReturnVoid
	case *rvar.IntLike, *rvar.FloatLike:
		return rpc.ReturnInt
	default:
		return rpc.ReturnPointer
	}
}
