package backend

import (
	"github.com/tracelet/tracelet/internal/backend/regalloc"
)

// move is one of a set of moves which happen at the same time.
type move struct {
	dst, src Operand
}

// sequentialize orders parallel moves so that no location is overwritten before every move reading it ran.
// Cycles are broken through the scratch register of the class of the moved values. Destinations must be distinct.
func sequentialize(moves []move, scratch [regalloc.NumRegType]regalloc.RealReg) []Instr {
	var pending []move
	for _, m := range moves {
		if !m.dst.SameLocation(m.src) {
			pending = append(pending, m)
		}
	}

	var out []Instr
	emit := func(m move) {
		out = append(out, Instr{Kind: InstrMove, Dst: m.dst, Args: []Operand{m.src}, Index: -1})
	}

	for len(pending) > 0 {
		progress := false
		for i := 0; i < len(pending); i++ {
			m := pending[i]
			if isRead(pending, m.dst, i) {
				continue
			}
			emit(m)
			pending = append(pending[:i], pending[i+1:]...)
			i--
			progress = true
		}
		if progress {
			continue
		}

		// Every pending move is on a cycle: save one destination and read it from the scratch register instead.
		saved := pending[0].dst
		tmp := RegOperand(scratch[saved.RegType()], saved.Type)
		emit(move{dst: tmp, src: saved})
		for j := range pending {
			if pending[j].src.SameLocation(saved) {
				pending[j].src = RegOperand(tmp.Reg(), pending[j].src.Type)
			}
		}
	}
	return out
}

func isRead(moves []move, loc Operand, except int) bool {
	for j, m := range moves {
		if j != except && m.src.SameLocation(loc) {
			return true
		}
	}
	return false
}
