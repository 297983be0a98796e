package objectformat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// strutture con lo stesso layout che hanno su file

type rawSectionHeader struct {
	Name      [8]byte
	PAddr     uint32
	VAddr     uint32
	Size      uint32
	ScnPtr    uint32
	RelPtr    uint32
	LnnoPtr   uint32
	NumReloc  uint16
	NumLineno uint16
	Flags     uint32
}

type rawSymbol struct {
	Name        [8]byte
	Value       uint32
	SectionNum  int16
	Type        uint16
	DerivedType uint16
	Class       int8
	NumAux      int8
}

type rawFileAux struct {
	NameOffset uint32
	IncLine    uint32
	Flags      uint8
	_          [11]byte
}

type rawSectionAux struct {
	Length    uint32
	NumReloc  uint16
	NumLineno uint16
	_         [12]byte
}

type rawRelocation struct {
	VAddr     uint32
	SymbolNdx uint32
	Offset    int16
	Type      uint16
}

type rawLineNumber struct {
	SourceNdx   uint32
	Line        uint16
	PAddr       uint32
	Flags       uint16
	FunctionNdx uint32
}

// ReadFile legge e parsa il file oggetto filename
func ReadFile(filename string) (*Object, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("impossibile aprire file %s: %w", filename, err)
	}
	return Parse(filename, content)
}

// Parse interpreta content come file oggetto COFF. Gli errori sono sempre
// *FormatError; se l'header era leggibile viene restituito anche l'oggetto
// parziale, che può servire per l'ispezione.
func Parse(filename string, content []byte) (*Object, error) {
	p := &parser{
		obj:     &Object{Filename: filename},
		content: content,
	}
	if err := p.parse(); err != nil {
		if p.headerRead {
			return p.obj, err
		}
		return nil, err
	}
	return p.obj, nil
}

type parser struct {
	obj        *Object
	content    []byte
	strtab     []byte // senza i 4 byte della lunghezza
	where      string
	headerRead bool
}

func (p *parser) fail(format string, args ...any) error {
	return &FormatError{File: p.obj.Filename, Where: p.where, Msg: fmt.Sprintf(format, args...)}
}

// read decodifica val a partire da off, false se il file è troppo corto
func (p *parser) read(off uint64, val any) bool {
	size := binary.Size(val)
	if size < 0 || off+uint64(size) > uint64(len(p.content)) {
		return false
	}
	err := binary.Read(bytes.NewReader(p.content[off:off+uint64(size)]), binary.LittleEndian, val)
	return err == nil
}

func (p *parser) parse() error {
	o := p.obj

	p.where = "header"
	if !p.read(0, &o.Header) {
		return p.fail("troncato")
	}
	if o.Header.Magic != Magic {
		p.where = ""
		return p.fail("non è un file COFF Microchip")
	}
	p.headerRead = true

	off := uint64(HeaderSize)
	if o.Header.OptHeaderSize != 0 {
		p.where = "optional header"
		if o.Header.OptHeaderSize < OptHeaderSize {
			return p.fail("dimensione %d non valida", o.Header.OptHeaderSize)
		}
		opt := &OptHeader{}
		if !p.read(off, opt) {
			return p.fail("troncato")
		}
		o.Opt = opt
		o.Processor = ProcessorName(opt.ProcType)
		off += uint64(o.Header.OptHeaderSize)
	}

	// la string table sta subito dopo la tabella dei simboli
	p.where = "string table"
	strtabOff := uint64(o.Header.SymbolPtr) + SymbolEntrySize*uint64(o.Header.NumSymbols)
	if err := p.readStringTable(strtabOff); err != nil {
		return err
	}

	p.where = "symbol table"
	if err := p.readSymbols(); err != nil {
		return err
	}

	for i := 0; i < int(o.Header.NumSections); i++ {
		p.where = fmt.Sprintf("intestazione della sezione %d", i)
		if err := p.readSection(off+uint64(i)*SectionHeaderSize, i+1); err != nil {
			return err
		}
	}

	// ora che ho le sezioni aggancio i simboli
	p.where = "symbol table"
	for _, s := range o.SymbolTable {
		if s == nil || s.SectionNumber <= 0 {
			continue
		}
		if int(s.SectionNumber) > len(o.Sections) {
			return p.fail("il simbolo '%s' punta alla sezione inesistente con indice %d", s.Name, s.SectionNumber)
		}
		s.Section = o.Sections[s.SectionNumber-1]
	}

	return nil
}

func (p *parser) readStringTable(off uint64) error {
	if off == uint64(len(p.content)) {
		// file senza string table
		return nil
	}
	var size uint32
	if !p.read(off, &size) {
		return p.fail("dimensione troncata")
	}
	if size < StringTableLenSize {
		return p.fail("dimensione %d non valida", size)
	}
	end := off + uint64(size)
	if end > uint64(len(p.content)) {
		return p.fail("troncata")
	}
	p.strtab = p.content[off+StringTableLenSize : end]
	if len(p.strtab) > 0 && p.strtab[len(p.strtab)-1] != 0 {
		return p.fail("l'ultimo carattere non è NUL")
	}
	if !isASCII(p.strtab) {
		return p.fail("caratteri non ASCII")
	}
	return nil
}

// stringAt legge dalla string table. L'offset conta anche i 4 byte della
// lunghezza, che non ho tenuto in strtab
func (p *parser) stringAt(off uint32) (string, error) {
	if off < StringTableLenSize || int(off-StringTableLenSize) >= len(p.strtab) {
		return "", fmt.Errorf("offset %d oltre la fine della string table", off)
	}
	start := off - StringTableLenSize
	end := bytes.IndexByte(p.strtab[start:], 0)
	return string(p.strtab[start : int(start)+end]), nil
}

// name risolve un nome da 8 byte: se i primi 4 sono zero gli altri 4
// sono un offset nella string table
func (p *parser) name(raw [8]byte) (string, error) {
	if binary.LittleEndian.Uint32(raw[:4]) == 0 {
		off := binary.LittleEndian.Uint32(raw[4:])
		if off == 0 {
			return "", nil
		}
		return p.stringAt(off)
	}
	n := bytes.IndexByte(raw[:], 0)
	if n < 0 {
		n = len(raw)
	}
	if !isASCII(raw[:n]) {
		return "", fmt.Errorf("caratteri non ASCII nel nome")
	}
	return string(raw[:n]), nil
}

func (p *parser) readSymbols() error {
	o := p.obj
	num := o.Header.NumSymbols
	base := uint64(o.Header.SymbolPtr)
	o.SymbolTable = make([]*Symbol, num)

	for i := uint32(0); i < num; {
		var raw rawSymbol
		if !p.read(base+uint64(i)*SymbolEntrySize, &raw) {
			return p.fail("simbolo troncato alla posizione %d", i)
		}
		name, err := p.name(raw.Name)
		if err != nil {
			return p.fail("simbolo alla posizione %d: %v", i, err)
		}
		s := &Symbol{
			Name:          name,
			Value:         raw.Value,
			SectionNumber: raw.SectionNum,
			Type:          raw.Type,
			DerivedType:   raw.DerivedType,
			Class:         StorageClass(raw.Class),
			Index:         i,
		}
		o.SymbolTable[i] = s
		i++

		if raw.NumAux < 0 {
			return p.fail("simbolo '%s': numero di aux %d non valido", name, raw.NumAux)
		}
		for a := 0; a < int(raw.NumAux); a++ {
			if i >= num {
				return p.fail("le aux del simbolo '%s' vanno oltre la fine della tabella", name)
			}
			entryOff := base + uint64(i)*SymbolEntrySize
			switch s.Class {
			case ClassFile:
				var fa rawFileAux
				if !p.read(entryOff, &fa) {
					return p.fail("aux troncata alla posizione %d", i)
				}
				filename, err := p.stringAt(fa.NameOffset)
				if err != nil {
					return p.fail("aux alla posizione %d: %v", i, err)
				}
				s.Aux = append(s.Aux, FileAux{Filename: filename, IncLine: fa.IncLine, Flags: fa.Flags})
			case ClassSection:
				var sa rawSectionAux
				if !p.read(entryOff, &sa) {
					return p.fail("aux troncata alla posizione %d", i)
				}
				s.Aux = append(s.Aux, SectionAux{Length: sa.Length, NumRelocations: sa.NumReloc, NumLineNumbers: sa.NumLineno})
			default:
				var ra RawAux
				if !p.read(entryOff, &ra) {
					return p.fail("aux troncata alla posizione %d", i)
				}
				s.Aux = append(s.Aux, ra)
			}
			i++
		}
	}
	return nil
}

func (p *parser) readSection(hdrOff uint64, number int) error {
	var raw rawSectionHeader
	if !p.read(hdrOff, &raw) {
		return p.fail("troncata")
	}
	name, err := p.name(raw.Name)
	if err != nil {
		return p.fail("%v", err)
	}
	p.where = fmt.Sprintf("sezione '%s'", name)

	s := &Section{
		Name:   name,
		PAddr:  raw.PAddr,
		VAddr:  raw.VAddr,
		Flags:  SectionFlag(raw.Flags),
		Number: number,
	}
	s.Class, err = classFromFlags(s.Flags)
	if err != nil {
		return p.fail("%v", err)
	}
	if s.Class == ClassCode && raw.Size%2 != 0 {
		return p.fail("la dimensione di una sezione di codice deve essere multipla di 2")
	}

	if !s.HasData() {
		s.Size = raw.Size
		p.obj.Sections = append(p.obj.Sections, s)
		return nil
	}

	end := uint64(raw.ScnPtr) + uint64(raw.Size)
	if end > uint64(len(p.content)) {
		return p.fail("dati troncati")
	}
	// copio: il payload non deve condividere memoria col buffer del file
	s.Data = bytes.Clone(p.content[raw.ScnPtr:end])
	if s.Data == nil {
		s.Data = []byte{}
	}
	p.obj.Sections = append(p.obj.Sections, s)

	if err := p.readRelocations(s, raw.RelPtr, raw.NumReloc); err != nil {
		return err
	}
	return p.readLineNumbers(s, raw.LnnoPtr, raw.NumLineno)
}

func (p *parser) symbolAt(idx uint32) *Symbol {
	if uint64(idx) >= uint64(len(p.obj.SymbolTable)) {
		return nil
	}
	return p.obj.SymbolTable[idx]
}

func (p *parser) readRelocations(s *Section, ptr uint32, num uint16) error {
	for i := 0; i < int(num); i++ {
		var raw rawRelocation
		if !p.read(uint64(ptr)+uint64(i)*RelocationSize, &raw) {
			return p.fail("relocation troncata alla posizione %d", i)
		}
		sym := p.symbolAt(raw.SymbolNdx)
		if sym == nil {
			return p.fail("la relocation alla posizione %d punta al simbolo inesistente con indice %d", i, raw.SymbolNdx)
		}
		// tutte le patch scrivono una parola da 16 bit
		if uint64(raw.VAddr)+2 > uint64(len(s.Data)) {
			return p.fail("la relocation alla posizione %d ha offset %#x fuori dalla sezione", i, raw.VAddr)
		}
		s.Relocations = append(s.Relocations, &Relocation{
			Address:     raw.VAddr,
			SymbolIndex: raw.SymbolNdx,
			Symbol:      sym,
			Offset:      raw.Offset,
			Type:        RelocType(raw.Type),
		})
	}
	return nil
}

func (p *parser) readLineNumbers(s *Section, ptr uint32, num uint16) error {
	for i := 0; i < int(num); i++ {
		var raw rawLineNumber
		if !p.read(uint64(ptr)+uint64(i)*LineNumberSize, &raw) {
			return p.fail("line number troncato alla posizione %d", i)
		}
		src := p.symbolAt(raw.SourceNdx)
		if src == nil {
			return p.fail("il line number alla posizione %d punta al simbolo inesistente con indice %d", i, raw.SourceNdx)
		}
		fcn := p.symbolAt(raw.FunctionNdx)
		if fcn == nil {
			return p.fail("il line number alla posizione %d punta al simbolo inesistente con indice %d", i, raw.FunctionNdx)
		}
		s.LineNumbers = append(s.LineNumbers, &LineNumber{
			SourceIndex:   raw.SourceNdx,
			Line:          raw.Line,
			PAddr:         raw.PAddr,
			Flags:         raw.Flags,
			FunctionIndex: raw.FunctionNdx,
			Source:        src,
			Function:      fcn,
		})
	}
	return nil
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}
