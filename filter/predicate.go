// Argument predicates: the small register-machine language a rule may
// attach to one syscall, restricting specific argument words to values,
// masks or ranges. A rule's predicates are ANDed; if any fails the rule
// is a miss and evaluation falls through to the next rule.
package filter

import (
	"fmt"

	"golang.org/x/net/bpf"
)

// PredicateOp compares the pseudo-register A, loaded from one syscall
// argument slot, against a constant.
type PredicateOp int

const (
	// CmpEq holds when the argument equals Value.
	CmpEq PredicateOp = iota
	// CmpNe holds when the argument differs from Value.
	CmpNe
	// CmpGe holds when the argument is >= Value (unsigned).
	CmpGe
	// CmpLt holds when the argument is < Value (unsigned).
	CmpLt
	// MaskAnd holds when every bit of Value is set in the argument.
	MaskAnd
)

func (op PredicateOp) String() string {
	switch op {
	case CmpEq:
		return "=="
	case CmpNe:
		return "!="
	case CmpGe:
		return ">="
	case CmpLt:
		return "<"
	case MaskAnd:
		return "&="
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// Predicate restricts syscall argument Arg (0-5) with Op against Value.
type Predicate struct {
	Arg   int
	Op    PredicateOp
	Value uint64
}

// Eval reports whether the predicate holds for the given argument words.
// The monitors use this to re-check a trapped or notified syscall
// against the same semantics the compiled program enforces in-kernel.
func (p Predicate) Eval(args [6]uint64) bool {
	if p.Arg < 0 || p.Arg > 5 {
		return false
	}
	a := args[p.Arg]
	switch p.Op {
	case CmpEq:
		return a == p.Value
	case CmpNe:
		return a != p.Value
	case CmpGe:
		return a >= p.Value
	case CmpLt:
		return a < p.Value
	case MaskAnd:
		return a&p.Value == p.Value
	default:
		return false
	}
}

// String renders a predicate canonically ("a1==0x2"), used both for
// diagnostics and for duplicate-rule detection.
func (p Predicate) String() string {
	return fmt.Sprintf("a%d%s%#x", p.Arg, p.Op, p.Value)
}

// jumpRef is a conditional jump inside a predicate block whose target is
// the block's shared miss label, resolved once the block's full length
// is known. onTrue selects whether the miss is taken on the condition
// holding or failing.
type jumpRef struct {
	idx    int
	onTrue bool
}

// blockBuilder accumulates the instructions of one rule's predicate
// block and the jumps that still need their miss offsets filled in.
type blockBuilder struct {
	insns  []bpf.Instruction
	misses []jumpRef
}

func (b *blockBuilder) emit(ins bpf.Instruction) {
	b.insns = append(b.insns, ins)
}

// jumpToMiss emits cond-val jump whose taken/not-taken side (per onTrue)
// lands on the miss label.
func (b *blockBuilder) jumpToMiss(cond bpf.JumpTest, val uint32, onTrue bool) {
	b.misses = append(b.misses, jumpRef{idx: len(b.insns), onTrue: onTrue})
	b.emit(bpf.JumpIf{Cond: cond, Val: val})
}

// finish appends the action return, resolves every miss jump to the
// first instruction after the block, and returns the block. The caller
// places the next rule's dispatch (or the default action) right after,
// preceded by a reload of seccomp_data.nr, which the block ends with on
// the miss path.
func (b *blockBuilder) finish(ret uint32) ([]bpf.Instruction, error) {
	b.emit(bpf.RetConstant{Val: ret})
	missTarget := len(b.insns)
	for _, ref := range b.misses {
		span := missTarget - ref.idx - 1
		if span > 255 {
			// Classic BPF jumps carry 8-bit offsets; a block this long
			// cannot be expressed.
			return nil, fmt.Errorf("predicate block of %d instructions overflows jump range", missTarget)
		}
		j := b.insns[ref.idx].(bpf.JumpIf)
		if ref.onTrue {
			j.SkipTrue = uint8(span)
		} else {
			j.SkipFalse = uint8(span)
		}
		b.insns[ref.idx] = j
	}
	// Miss path: restore A to the syscall number the outer dispatch
	// expects before falling through.
	b.emit(bpf.LoadAbsolute{Off: offNR, Size: 4})
	return b.insns, nil
}

// hi and lo split a 64-bit predicate constant into the two 32-bit words
// a classic-BPF program can actually compare.
func hi(v uint64) uint32 { return uint32(v >> 32) }
func lo(v uint64) uint32 { return uint32(v) }

// compilePredicates lowers a rule's predicate list plus action into one
// self-contained instruction block. Wide (64-bit) arguments are handled
// as two 32-bit loads, high word first; each comparison is expressed
// against both halves.
func compilePredicates(preds []Predicate, ret uint32) ([]bpf.Instruction, error) {
	b := &blockBuilder{}
	for _, p := range preds {
		if p.Arg < 0 || p.Arg > 5 {
			return nil, fmt.Errorf("predicate argument index %d out of range", p.Arg)
		}
		loadHi := bpf.LoadAbsolute{Off: offArgHi(p.Arg), Size: 4}
		loadLo := bpf.LoadAbsolute{Off: offArgLo(p.Arg), Size: 4}

		switch p.Op {
		case CmpEq:
			b.emit(loadHi)
			b.jumpToMiss(bpf.JumpEqual, hi(p.Value), false)
			b.emit(loadLo)
			b.jumpToMiss(bpf.JumpEqual, lo(p.Value), false)

		case CmpNe:
			// Equal on both halves is the miss; a differing high word
			// short-circuits to the next predicate.
			b.emit(loadHi)
			hiJump := len(b.insns)
			b.emit(bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: hi(p.Value)})
			b.emit(loadLo)
			b.jumpToMiss(bpf.JumpEqual, lo(p.Value), true)
			// Resolve the short-circuit to land after the low-word test.
			j := b.insns[hiJump].(bpf.JumpIf)
			j.SkipTrue = uint8(len(b.insns) - hiJump - 1)
			b.insns[hiJump] = j

		case CmpGe:
			// hi > vhi holds; hi < vhi misses; on equality the low word
			// decides.
			b.emit(loadHi)
			hiJump := len(b.insns)
			b.emit(bpf.JumpIf{Cond: bpf.JumpGreaterThan, Val: hi(p.Value)})
			b.jumpToMiss(bpf.JumpEqual, hi(p.Value), false)
			b.emit(loadLo)
			b.jumpToMiss(bpf.JumpGreaterOrEqual, lo(p.Value), false)
			j := b.insns[hiJump].(bpf.JumpIf)
			j.SkipTrue = uint8(len(b.insns) - hiJump - 1)
			b.insns[hiJump] = j

		case CmpLt:
			// hi < vhi holds; hi > vhi misses; on equality the low word
			// decides.
			b.emit(loadHi)
			hiJump := len(b.insns)
			b.emit(bpf.JumpIf{Cond: bpf.JumpLessThan, Val: hi(p.Value)})
			b.jumpToMiss(bpf.JumpEqual, hi(p.Value), false)
			b.emit(loadLo)
			b.jumpToMiss(bpf.JumpLessThan, lo(p.Value), false)
			j := b.insns[hiJump].(bpf.JumpIf)
			j.SkipTrue = uint8(len(b.insns) - hiJump - 1)
			b.insns[hiJump] = j

		case MaskAnd:
			b.emit(loadHi)
			b.emit(bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: hi(p.Value)})
			b.jumpToMiss(bpf.JumpEqual, hi(p.Value), false)
			b.emit(loadLo)
			b.emit(bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: lo(p.Value)})
			b.jumpToMiss(bpf.JumpEqual, lo(p.Value), false)

		default:
			return nil, fmt.Errorf("unknown predicate op %d", int(p.Op))
		}
	}
	return b.finish(ret)
}
