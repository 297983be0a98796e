package linker

import (
	"fmt"

	"koltrakak/picld/diag"
	obj "koltrakak/picld/objectformat"
)

// relocContext raccoglie quello che serve per calcolare una patch
type relocContext struct {
	value   uint32 // indirizzo del simbolo più l'addendo
	address uint32 // indirizzo assoluto della parola da correggere
	opcode  uint16 // parola attuale
	// sezione in cui è definito il simbolo, per le relocation SCNSZ/SCNEND
	target *inputSection
	proc   Processor
}

// patchError è un problema nel calcolo della patch. Per gli overflow la
// parola restituita insieme all'errore va scritta comunque
type patchError struct {
	kind diag.Kind
	msg  string
}

func (e *patchError) Error() string {
	return e.msg
}

func overflow(format string, args ...any) *patchError {
	return &patchError{kind: diag.KindRelocationOverflow, msg: fmt.Sprintf(format, args...)}
}

func unsupported(t obj.RelocType) *patchError {
	if !t.Valid() {
		return &patchError{kind: diag.KindUnsupportedRelocation, msg: fmt.Sprintf("tipo di relocation %d sconosciuto", uint16(t))}
	}
	return &patchError{kind: diag.KindUnsupportedRelocation, msg: fmt.Sprintf("relocation %s non implementata", t)}
}

// branch calcola un salto relativo di bits bit con segno, in parole.
// Il PC punta già all'istruzione successiva
func branch(c relocContext, bits uint, hint string) (uint16, *patchError) {
	offset := (int64(c.value) - int64(c.address) - 2) / 2
	lo := -(int64(1) << (bits - 1))
	hi := int64(1)<<(bits-1) - 1
	mask := uint16(1)<<bits - 1
	word := c.opcode | uint16(offset)&mask
	if offset < lo || offset > hi {
		return word, overflow("salto relativo troppo lungo (%d parole, limite %d..%d): %s", offset, lo, hi, hint)
	}
	return word, nil
}

func sectionBounds(c relocContext, t obj.RelocType) (size, end uint32, err *patchError) {
	if c.target == nil {
		return 0, 0, &patchError{kind: diag.KindUnsupportedRelocation, msg: fmt.Sprintf("la relocation %s richiede un simbolo definito in una sezione", t)}
	}
	size = c.target.sec.Length()
	return size, c.target.base + size, nil
}

// patch calcola la nuova parola per una relocation di tipo t
func patch(t obj.RelocType, c relocContext) (uint16, *patchError) {
	v := c.value
	switch t {
	case obj.RelocCall, obj.RelocGoto:
		return c.opcode | uint16(v/2)&0xff, nil
	case obj.RelocGoto2:
		return c.opcode | uint16(v/2>>8)&0xfff, nil
	case obj.RelocHigh, obj.RelocPagesel:
		return c.opcode | uint16(v>>8)&0xff, nil
	case obj.RelocLow, obj.RelocF, obj.RelocLFSR2:
		return c.opcode | uint16(v)&0xff, nil
	case obj.RelocUpper:
		return c.opcode | uint16(v>>16)&0xff, nil
	case obj.RelocBanksel, obj.RelocMovlb, obj.RelocLFSR1:
		return c.opcode | uint16(v>>8)&0x0f, nil
	case obj.RelocAll:
		return uint16(v), nil
	case obj.RelocFF1, obj.RelocFF2:
		return c.opcode | uint16(v)&0xfff, nil
	case obj.RelocBraRcall:
		return branch(c, 11, "usa 'goto' o 'call'")
	case obj.RelocCondBra:
		return branch(c, 8, "usa 'goto'")
	case obj.RelocAccess:
		if v < c.proc.Access {
			return c.opcode &^ 0x0100, nil
		}
		return c.opcode | 0x0100, nil
	case obj.RelocScnszLow, obj.RelocScnszHigh, obj.RelocScnszUpper:
		size, _, err := sectionBounds(c, t)
		if err != nil {
			return c.opcode, err
		}
		return c.opcode | byteOf(size, t-obj.RelocScnszLow), nil
	case obj.RelocScnendLow, obj.RelocScnendHigh, obj.RelocScnendUpper:
		_, end, err := sectionBounds(c, t)
		if err != nil {
			return c.opcode, err
		}
		return c.opcode | byteOf(end, t-obj.RelocScnendLow), nil
	case obj.RelocScnendLFSR1:
		_, end, err := sectionBounds(c, t)
		if err != nil {
			return c.opcode, err
		}
		return c.opcode | uint16(end>>8)&0x0f, nil
	case obj.RelocScnendLFSR2:
		_, end, err := sectionBounds(c, t)
		if err != nil {
			return c.opcode, err
		}
		return c.opcode | uint16(end)&0xff, nil
	case obj.RelocP, obj.RelocIBanksel, obj.RelocTris, obj.RelocMovlr,
		obj.RelocPageselWreg, obj.RelocPageselBits:
		return c.opcode, unsupported(t)
	default:
		return c.opcode, unsupported(t)
	}
}

// byteOf estrae il byte n (0 = low, 1 = high, 2 = upper)
func byteOf(v uint32, n obj.RelocType) uint16 {
	return uint16(v>>(8*uint(n))) & 0xff
}
