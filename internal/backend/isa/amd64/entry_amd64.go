package amd64

// nativecall is implemented in entry_amd64.s as a Go Assembler function. It jumps to code with ctxReg holding ctx
// and spillBaseReg holding spill, so that the RET of the exit sequence returns to the caller of nativecall.
func nativecall(code, ctx, spill uintptr)
