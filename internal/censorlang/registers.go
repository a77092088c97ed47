package censorlang

// RegKind identifies which typed register bank a register or field value
// belongs to (SPEC_FULL.md §4.6: "Register banks are typed; cross-type
// writes are rejected at parse time").
type RegKind int

const (
	RegF RegKind = iota // float64 bank
	RegI                // int64 bank
	RegB                // bool bank
)

func (k RegKind) String() string {
	switch k {
	case RegF:
		return "f"
	case RegI:
		return "i"
	case RegB:
		return "b"
	default:
		return "?"
	}
}

// Registers holds a program's three typed register banks. Banks are sized
// once at parse time to the highest index referenced.
type Registers struct {
	F []float64
	I []int64
	B []bool
}

// NewRegisters allocates banks of the given sizes.
func NewRegisters(numF, numI, numB int) *Registers {
	return &Registers{
		F: make([]float64, numF),
		I: make([]int64, numI),
		B: make([]bool, numB),
	}
}

// Reset zeroes all registers, for reuse across program loads in tests.
func (r *Registers) Reset() {
	for i := range r.F {
		r.F[i] = 0
	}
	for i := range r.I {
		r.I[i] = 0
	}
	for i := range r.B {
		r.B[i] = false
	}
}
