package objectformat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// stringTable accumula i nomi lunghi; gli offset contano i 4 byte iniziali
type stringTable struct {
	buf     bytes.Buffer
	offsets map[string]uint32
}

func (t *stringTable) add(s string) uint32 {
	if off, ok := t.offsets[s]; ok {
		return off
	}
	if t.offsets == nil {
		t.offsets = map[string]uint32{}
	}
	off := uint32(StringTableLenSize + t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.offsets[s] = off
	return off
}

func (t *stringTable) name(s string) [8]byte {
	var raw [8]byte
	if len(s) <= len(raw) {
		copy(raw[:], s)
		return raw
	}
	binary.LittleEndian.PutUint32(raw[4:], t.add(s))
	return raw
}

// Encode serializza obj nel formato COFF, calcolando tutti i puntatori.
// È l'inverso di Parse
func Encode(obj *Object) ([]byte, error) {
	var strtab stringTable

	optSize := 0
	if obj.Opt != nil {
		optSize = OptHeaderSize
	}
	if len(obj.Sections) > 0xffff {
		return nil, fmt.Errorf("troppe sezioni: %d", len(obj.Sections))
	}

	// prima calcolo dove finisce ogni cosa
	off := uint32(HeaderSize + optSize + SectionHeaderSize*len(obj.Sections))
	headers := make([]rawSectionHeader, len(obj.Sections))
	for i, s := range obj.Sections {
		if len(s.Relocations) > 0xffff || len(s.LineNumbers) > 0xffff {
			return nil, fmt.Errorf("sezione '%s': troppe relocation o line number", s.Name)
		}
		h := rawSectionHeader{
			Name:      strtab.name(s.Name),
			PAddr:     s.PAddr,
			VAddr:     s.VAddr,
			Size:      s.Length(),
			NumReloc:  uint16(len(s.Relocations)),
			NumLineno: uint16(len(s.LineNumbers)),
			Flags:     uint32(s.Flags),
		}
		if s.HasData() {
			h.ScnPtr = off
			off += uint32(len(s.Data))
			if len(s.Relocations) > 0 {
				h.RelPtr = off
				off += uint32(RelocationSize * len(s.Relocations))
			}
			if len(s.LineNumbers) > 0 {
				h.LnnoPtr = off
				off += uint32(LineNumberSize * len(s.LineNumbers))
			}
		}
		headers[i] = h
	}
	symPtr := off

	var buf bytes.Buffer
	w := func(v any) {
		// bytes.Buffer non fallisce mai
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}

	hdr := obj.Header
	hdr.Magic = Magic
	hdr.NumSections = uint16(len(obj.Sections))
	hdr.SymbolPtr = symPtr
	hdr.NumSymbols = uint32(len(obj.SymbolTable))
	hdr.OptHeaderSize = uint16(optSize)
	w(hdr)
	if obj.Opt != nil {
		opt := *obj.Opt
		if opt.Magic == 0 {
			opt.Magic = OptMagic
		}
		w(opt)
	}
	for _, h := range headers {
		w(h)
	}

	for _, s := range obj.Sections {
		if !s.HasData() {
			continue
		}
		buf.Write(s.Data)
		for _, r := range s.Relocations {
			idx := r.SymbolIndex
			if r.Symbol != nil {
				idx = r.Symbol.Index
			}
			w(rawRelocation{VAddr: r.Address, SymbolNdx: idx, Offset: r.Offset, Type: uint16(r.Type)})
		}
		for _, l := range s.LineNumbers {
			src, fcn := l.SourceIndex, l.FunctionIndex
			if l.Source != nil {
				src = l.Source.Index
			}
			if l.Function != nil {
				fcn = l.Function.Index
			}
			w(rawLineNumber{SourceNdx: src, Line: l.Line, PAddr: l.PAddr, Flags: l.Flags, FunctionNdx: fcn})
		}
	}

	for i, s := range obj.SymbolTable {
		if s == nil {
			// posto di una aux, già scritta insieme al suo simbolo
			continue
		}
		if i+len(s.Aux) >= len(obj.SymbolTable) {
			return nil, fmt.Errorf("simbolo '%s': le aux escono dalla tabella", s.Name)
		}
		scnum := s.SectionNumber
		if s.Section != nil {
			scnum = int16(s.Section.Number)
		}
		w(rawSymbol{
			Name:        strtab.name(s.Name),
			Value:       s.Value,
			SectionNum:  scnum,
			Type:        s.Type,
			DerivedType: s.DerivedType,
			Class:       int8(s.Class),
			NumAux:      int8(len(s.Aux)),
		})
		for _, aux := range s.Aux {
			switch a := aux.(type) {
			case FileAux:
				w(rawFileAux{NameOffset: strtab.add(a.Filename), IncLine: a.IncLine, Flags: a.Flags})
			case SectionAux:
				w(rawSectionAux{Length: a.Length, NumReloc: a.NumRelocations, NumLineno: a.NumLineNumbers})
			case RawAux:
				w(a)
			}
		}
	}

	w(uint32(StringTableLenSize + strtab.buf.Len()))
	buf.Write(strtab.buf.Bytes())

	return buf.Bytes(), nil
}

// Write scrive obj su w
func Write(w io.Writer, obj *Object) error {
	content, err := Encode(obj)
	if err != nil {
		return err
	}
	_, err = w.Write(content)
	return err
}

// WriteObjectFile scrive obj nel file filename
func (obj *Object) WriteObjectFile(filename string) error {
	content, err := Encode(obj)
	if err != nil {
		return fmt.Errorf("impossibile serializzare %s: %w", filename, err)
	}
	if err := os.WriteFile(filename, content, 0o644); err != nil {
		return fmt.Errorf("impossibile scrivere file %s: %w", filename, err)
	}
	return nil
}
