// Package censorlang implements the CensorLang micro-VM (SPEC_FULL.md
// §4.6): a lexer/parser for the line-oriented program grammar, typed
// register banks, and a top-to-bottom executor.
package censorlang

import (
	cerrors "censorlab.dev/censorlab/internal/errors"
	"censorlab.dev/censorlab/internal/flow"
	"censorlab.dev/censorlab/internal/packetmodel"
)

// ModelEvaluator is the subset of internal/model.Evaluator the MODEL
// operation needs, mirroring internal/script's narrow interface to avoid
// an import of internal/model here.
type ModelEvaluator interface {
	Evaluate(name string, input []float32) ([]float32, error)
}

// VM executes one Program against one flow's packets. A VM is not safe
// for concurrent use, matching the "never entered re-entrantly" rule
// SPEC_FULL.md §4.5 states for scripting hosts generally.
type VM struct {
	prog  *Program
	regs  *Registers
	model ModelEvaluator
}

// NewVM creates a VM for prog. model may be nil if no MODEL operation is
// ever reached (an error is raised at run time if it is).
func NewVM(prog *Program, model ModelEvaluator) *VM {
	return &VM{
		prog:  prog,
		regs:  NewRegisters(prog.NumF, prog.NumI, prog.NumB),
		model: model,
	}
}

// Invoke runs the program once, satisfying flow.Interpreter. Falling off
// the end of the program without a RETURN is equivalent to RETURN allow.
func (vm *VM) Invoke(pkt *packetmodel.Packet) (flow.Verdict, error) {
	for _, line := range vm.prog.Lines {
		if line.Cond != nil {
			take, err := vm.evalCondition(line.Cond, pkt)
			if err != nil {
				return flow.VerdictAllow, err
			}
			if !take {
				continue
			}
		}

		verdict, done, err := vm.execOperation(line.Op, pkt)
		if err != nil {
			return flow.VerdictAllow, err
		}
		if done {
			return verdict, nil
		}
	}
	return flow.VerdictAllow, nil
}

// Close is a no-op: CensorLang owns no off-heap resources, and the
// registers are left to the garbage collector with the VM.
func (vm *VM) Close() {}

func (vm *VM) readInput(in Input, pkt *packetmodel.Packet) (f float64, i int64, b bool, kind RegKind) {
	switch in.Kind {
	case InputLiteral:
		return in.LitF, in.LitI, in.LitB, in.LitKind
	case InputRegister:
		switch in.RegKind {
		case RegF:
			return vm.regs.F[in.Index], 0, false, RegF
		case RegI:
			return 0, vm.regs.I[in.Index], false, RegI
		case RegB:
			return 0, 0, vm.regs.B[in.Index], RegB
		}
	case InputField:
		ff, ii, bb := resolveField(in.Field, pkt)
		k, _ := FieldKind(in.Field)
		return ff, ii, bb, k
	}
	return 0, 0, false, RegF
}

func (vm *VM) writeRegister(dst Input, f float64, i int64, b bool) {
	if dst.Kind != InputRegister {
		return
	}
	switch dst.RegKind {
	case RegF:
		vm.regs.F[dst.Index] = f
	case RegI:
		vm.regs.I[dst.Index] = i
	case RegB:
		vm.regs.B[dst.Index] = b
	}
}

func (vm *VM) evalCondition(c *Condition, pkt *packetmodel.Packet) (bool, error) {
	lf, li, lb, lk := vm.readInput(c.Left, pkt)
	rf, ri, rb, rk := vm.readInput(c.Right, pkt)

	if c.Op.isComparison() {
		// Two bools support only eq/ne.
		if lk == RegB && rk == RegB && (c.Op == OpEQ || c.Op == OpNE) {
			return (lb == rb) == (c.Op == OpEQ), nil
		}
		// Numeric comparison: promote ints to float when banks differ.
		var lv, rv float64
		if lk == RegB || rk == RegB {
			return false, cerrors.Errorf(cerrors.KindScript, "cannot compare bool register with %s operator", c.Op)
		}
		if lk == RegF {
			lv = lf
		} else {
			lv = float64(li)
		}
		if rk == RegF {
			rv = rf
		} else {
			rv = float64(ri)
		}
		switch c.Op {
		case OpLT:
			return lv < rv, nil
		case OpLE:
			return lv <= rv, nil
		case OpEQ:
			return lv == rv, nil
		case OpNE:
			return lv != rv, nil
		case OpGT:
			return lv > rv, nil
		case OpGE:
			return lv >= rv, nil
		}
	}

	// Logic operators require both sides to be boolean.
	if lk != RegB || rk != RegB {
		return false, cerrors.Errorf(cerrors.KindScript, "%s requires boolean operands", c.Op)
	}
	switch c.Op {
	case OpAnd:
		return lb && rb, nil
	case OpOr:
		return lb || rb, nil
	case OpXor:
		return lb != rb, nil
	case OpNand:
		return !(lb && rb), nil
	case OpNor:
		return !(lb || rb), nil
	case OpXnor:
		return lb == rb, nil
	}
	return false, cerrors.Errorf(cerrors.KindScript, "unhandled operator %s", c.Op)
}

// execOperation runs a single operation. done reports whether the
// program terminates here (RETURN); verdict is only meaningful then.
func (vm *VM) execOperation(op Operation, pkt *packetmodel.Packet) (verdict flow.Verdict, done bool, err error) {
	switch op.Kind {
	case OpNoop:
		return 0, false, nil

	case OpReturn:
		switch op.Action {
		case ActionAllow:
			return flow.VerdictAllow, true, nil
		case ActionAllowAll:
			return flow.VerdictAllowAll, true, nil
		case ActionTerminate:
			return flow.VerdictTerminate, true, nil
		}
		return flow.VerdictAllow, true, nil

	case OpCopy:
		f, i, b, _ := vm.readInput(op.Src[0], pkt)
		vm.writeRegister(op.Dst, f, i, b)
		return 0, false, nil

	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		vm.execArithmetic(op, pkt)
		return 0, false, nil

	case OpBitAnd, OpBitOr, OpBitXor:
		vm.execLogic(op, pkt)
		return 0, false, nil

	case OpModel:
		if vm.model == nil {
			return 0, false, cerrors.New(cerrors.KindScript, "MODEL operation reached but no model evaluator is configured")
		}
		input := make([]float32, len(op.Src))
		for idx, s := range op.Src {
			f, i, _, k := vm.readInput(s, pkt)
			if k == RegI {
				f = float64(i)
			}
			input[idx] = float32(f)
		}
		out, err := vm.model.Evaluate(op.ModelName, input)
		if err != nil {
			return 0, false, cerrors.Wrap(err, cerrors.KindScript, "model evaluation failed")
		}
		if len(out) == 0 {
			return 0, false, cerrors.Errorf(cerrors.KindScript, "model %q returned an empty output", op.ModelName)
		}
		vm.writeRegister(op.Dst, float64(out[0]), 0, false)
		return 0, false, nil
	}
	return 0, false, cerrors.Errorf(cerrors.KindScript, "unhandled operation kind %v", op.Kind)
}

// execArithmetic evaluates ADD/SUB/MUL/DIV/MOD. Per SPEC_FULL.md §4.6,
// "DIV/MOD by zero yields zero and sets no flag" — a deliberate non-trap
// choice, so there is no error return here.
func (vm *VM) execArithmetic(op Operation, pkt *packetmodel.Packet) {
	f1, i1, _, k1 := vm.readInput(op.Src[0], pkt)
	f2, i2, _, k2 := vm.readInput(op.Src[1], pkt)

	useFloat := k1 == RegF || k2 == RegF || op.Dst.RegKind == RegF
	if useFloat {
		if k1 != RegF {
			f1 = float64(i1)
		}
		if k2 != RegF {
			f2 = float64(i2)
		}
		var r float64
		switch op.Kind {
		case OpAdd:
			r = f1 + f2
		case OpSub:
			r = f1 - f2
		case OpMul:
			r = f1 * f2
		case OpDiv:
			if f2 == 0 {
				r = 0
			} else {
				r = f1 / f2
			}
		case OpMod:
			if f2 == 0 {
				r = 0
			} else {
				r = float64(int64(f1) % int64(f2))
			}
		}
		vm.writeRegister(op.Dst, r, int64(r), false)
		return
	}

	var r int64
	switch op.Kind {
	case OpAdd:
		r = i1 + i2
	case OpSub:
		r = i1 - i2
	case OpMul:
		r = i1 * i2
	case OpDiv:
		if i2 == 0 {
			r = 0
		} else {
			r = i1 / i2
		}
	case OpMod:
		if i2 == 0 {
			r = 0
		} else {
			r = i1 % i2
		}
	}
	vm.writeRegister(op.Dst, float64(r), r, false)
}

func (vm *VM) execLogic(op Operation, pkt *packetmodel.Packet) {
	_, _, b1, _ := vm.readInput(op.Src[0], pkt)
	_, _, b2, _ := vm.readInput(op.Src[1], pkt)
	var r bool
	switch op.Kind {
	case OpBitAnd:
		r = b1 && b2
	case OpBitOr:
		r = b1 || b2
	case OpBitXor:
		r = b1 != b2
	}
	vm.writeRegister(op.Dst, 0, 0, r)
}

// Factory returns a flow.InterpreterFactory that creates one VM per flow,
// each with its own fresh register banks (SPEC_FULL.md §4.3 invariant 2).
func Factory(prog *Program, model ModelEvaluator) flow.InterpreterFactory {
	return func() (flow.Interpreter, error) {
		return NewVM(prog, model), nil
	}
}
