package native

import "github.com/go-delve/symsnap/pkg/unwind"

const hostArch = unwind.ArchARM64
