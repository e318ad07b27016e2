// Package regnum defines register numbers for the architectures a stack
// walk understands.
//
// The AMD64 and I386 numbering follows the operand encoding used by
// Windows x64 unwind codes (the same order as the ModRM register field),
// so that unwind codes can index a register file directly. ARM64 uses
// the AArch64 general purpose register numbers.
package regnum

import (
	"fmt"
)

const (
	AMD64_Rax    = 0
	AMD64_Rcx    = 1
	AMD64_Rdx    = 2
	AMD64_Rbx    = 3
	AMD64_Rsp    = 4
	AMD64_Rbp    = 5
	AMD64_Rsi    = 6
	AMD64_Rdi    = 7
	AMD64_R8     = 8 // R9 through R15 follow
	AMD64_R15    = 15
	AMD64_Rip    = 16
	AMD64_Rflags = 17

	AMD64NumRegs = 18
)

var amd64ToName = [AMD64NumRegs]string{
	"Rax", "Rcx", "Rdx", "Rbx", "Rsp", "Rbp", "Rsi", "Rdi",
	"R8", "R9", "R10", "R11", "R12", "R13", "R14", "R15",
	"Rip", "Rflags",
}

// AMD64ToName returns the name of an AMD64 register.
func AMD64ToName(num int) string {
	if num >= 0 && num < AMD64NumRegs {
		return amd64ToName[num]
	}
	return fmt.Sprintf("unknown%d", num)
}

const (
	I386_Eax    = 0
	I386_Ecx    = 1
	I386_Edx    = 2
	I386_Ebx    = 3
	I386_Esp    = 4
	I386_Ebp    = 5
	I386_Esi    = 6
	I386_Edi    = 7
	I386_Eip    = 8
	I386_Eflags = 9

	I386NumRegs = 10
)

var i386ToName = [I386NumRegs]string{
	"Eax", "Ecx", "Edx", "Ebx", "Esp", "Ebp", "Esi", "Edi", "Eip", "Eflags",
}

func I386ToName(num int) string {
	if num >= 0 && num < I386NumRegs {
		return i386ToName[num]
	}
	return fmt.Sprintf("unknown%d", num)
}

const (
	ARM64_X0 = 0  // X1 through X28 follow
	ARM64_FP = 29 // also X29
	ARM64_LR = 30 // also X30
	ARM64_SP = 31
	ARM64_PC = 32

	ARM64NumRegs = 33
)

func ARM64ToName(num int) string {
	switch {
	case num >= 0 && num < ARM64_FP:
		return fmt.Sprintf("X%d", num)
	case num == ARM64_FP:
		return "Fp"
	case num == ARM64_LR:
		return "Lr"
	case num == ARM64_SP:
		return "Sp"
	case num == ARM64_PC:
		return "Pc"
	default:
		return fmt.Sprintf("unknown%d", num)
	}
}

// MaxRegs is the size of a register file able to hold every architecture.
const MaxRegs = ARM64NumRegs

