package unwind

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/symsnap/pkg/regnum"
)

func TestDecodeEpilog(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		ops  []epilogOp
	}{
		{
			"add pop ret",
			[]byte{0x48, 0x83, 0xc4, 0x28, 0x5b, 0xc3},
			[]epilogOp{{kind: epilogAdd, imm: 0x28}, {kind: epilogPop, reg: regnum.AMD64_Rbx}, {kind: epilogRet}},
		},
		{
			"lea pop ret",
			[]byte{0x48, 0x8d, 0x65, 0x10, 0x5d, 0xc3},
			[]epilogOp{{kind: epilogLea, reg: regnum.AMD64_Rbp, imm: 0x10}, {kind: epilogPop, reg: regnum.AMD64_Rbp}, {kind: epilogRet}},
		},
		{
			"rex pops",
			[]byte{0x41, 0x5f, 0x41, 0x5e, 0x5e, 0xc3},
			[]epilogOp{{kind: epilogPop, reg: regnum.AMD64_R15}, {kind: epilogPop, reg: regnum.AMD64_R8 + 6}, {kind: epilogPop, reg: regnum.AMD64_Rsi}, {kind: epilogRet}},
		},
		{"bare ret", []byte{0xc3, 0xcc}, []epilogOp{{kind: epilogRet}}},
		{"ret imm", []byte{0xc2, 0x08, 0x00}, []epilogOp{{kind: epilogRet, imm: 8}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ops, ok := decodeEpilog(tc.code)
			require.True(t, ok)
			require.Equal(t, tc.ops, ops)
		})
	}

	for name, code := range map[string][]byte{
		"mov":           {0x48, 0x89, 0xc8, 0xc3},
		"add after pop": {0x5b, 0x48, 0x83, 0xc4, 0x28, 0xc3},
		"add rax":       {0x48, 0x83, 0xc0, 0x28, 0xc3},
		"no ret":        {0x48, 0x83, 0xc4, 0x28, 0x5b},
		"call":          {0xe8, 0x00, 0x00, 0x00, 0x00},
		"empty":         nil,
	} {
		_, ok := decodeEpilog(code)
		require.False(t, ok, name)
	}
}
