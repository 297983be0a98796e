// Package objectformat definisce il formato COFF dei file oggetto prodotti
// dall'assembler Microchip per i PIC18, letti dal mio linker
package objectformat

import (
	"fmt"
)

// Magic della versione 2 del COFF Microchip
const Magic uint16 = 0x1240

// OptMagic è il magic dell'header opzionale
const OptMagic uint16 = 0x5678

// dimensioni (in byte) delle strutture su file
const (
	HeaderSize         = 20
	OptHeaderSize      = 18
	SectionHeaderSize  = 40
	SymbolEntrySize    = 20
	RelocationSize     = 12
	LineNumberSize     = 16
	StringTableLenSize = 4
)

type SectionFlag uint32

const (
	StypText    SectionFlag = 0x00020
	StypData    SectionFlag = 0x00040
	StypBss     SectionFlag = 0x00080
	StypDataROM SectionFlag = 0x00100
	StypAbs     SectionFlag = 0x01000
	StypAccess  SectionFlag = 0x08000
)

// ordine usato per stampare le flag
var sectionFlagOrder = []SectionFlag{StypText, StypBss, StypDataROM, StypAccess, StypAbs}

func (f SectionFlag) String() string {
	switch f {
	case StypText:
		return "Executable code."
	case StypData:
		return "Initialized data."
	case StypBss:
		return "Uninitialized data."
	case StypDataROM:
		return "Initialized data for ROM."
	case StypAccess:
		return "Available using access bit."
	case StypAbs:
		return "Absolute."
	default:
		return "?"
	}
}

// MemoryClass è la classe di memoria di una sezione, ricavata dalle flag.
// Le sezioni assolute hanno comunque una classe (dice in che memoria finiscono)
type MemoryClass int

const (
	ClassCode MemoryClass = iota
	ClassROMData
	ClassUData
	ClassAccess
)

func (c MemoryClass) String() string {
	switch c {
	case ClassCode:
		return "code"
	case ClassROMData:
		return "romdata"
	case ClassUData:
		return "udata"
	case ClassAccess:
		return "udata_acs"
	default:
		return "?"
	}
}

// InProgramMemory dice se la classe vive nella flash (e quindi finisce nell'hex)
func (c MemoryClass) InProgramMemory() bool {
	return c == ClassCode || c == ClassROMData
}

func classFromFlags(flags SectionFlag) (MemoryClass, error) {
	switch {
	case flags&StypText != 0:
		return ClassCode, nil
	case flags&StypDataROM != 0:
		return ClassROMData, nil
	case flags&StypBss != 0 && flags&StypAccess != 0:
		return ClassAccess, nil
	case flags&StypBss != 0:
		return ClassUData, nil
	default:
		return 0, fmt.Errorf("tipo di sezione non implementato (flags %#x)", uint32(flags))
	}
}

type Header struct {
	Magic         uint16
	NumSections   uint16
	Timestamp     uint32
	SymbolPtr     uint32
	NumSymbols    uint32
	OptHeaderSize uint16
	Flags         uint16
}

type OptHeader struct {
	Magic    uint16
	VStamp   uint32
	ProcType uint32
	ROMWidth uint32
	RAMWidth uint32
}

var processorNames = map[uint32]string{
	0x2550: "18f2550",
	0xd616: "18f26j13",
}

// ProcessorName restituisce il nome del processore identificato da procType
func ProcessorName(procType uint32) string {
	if name, ok := processorNames[procType]; ok {
		return name
	}
	return fmt.Sprintf("%#x", procType)
}

// ProcessorType è l'inverso di ProcessorName
func ProcessorType(name string) (uint32, bool) {
	for k, v := range processorNames {
		if v == name {
			return k, true
		}
	}
	return 0, false
}

type Section struct {
	Name  string
	PAddr uint32 // indirizzo fisso per le sezioni assolute
	VAddr uint32
	Flags SectionFlag
	Class MemoryClass
	// Size conta solo per le udata, che non hanno dati su file
	Size        uint32
	Data        []byte
	Relocations []*Relocation
	LineNumbers []*LineNumber
	Number      int // nei file oggetto le sezioni partono da 1
}

func (s *Section) IsAbsolute() bool {
	return s.Flags&StypAbs != 0
}

// HasData dice se la sezione ha un payload su file
func (s *Section) HasData() bool {
	return s.Flags&(StypText|StypDataROM) != 0
}

// Length è la dimensione in byte che la sezione occupa in memoria
func (s *Section) Length() uint32 {
	if s.HasData() {
		return uint32(len(s.Data))
	}
	return s.Size
}

// Alignment è l'allineamento richiesto: le istruzioni PIC18 sono a 16 bit
func (s *Section) Alignment() uint32 {
	if s.Class == ClassCode {
		return 2
	}
	return 1
}

type StorageClass int8

const (
	ClassNull    StorageClass = 0
	ClassExt     StorageClass = 2
	ClassStatic  StorageClass = 3
	ClassLabel   StorageClass = 6
	ClassFile    StorageClass = 103
	ClassEOF     StorageClass = 107
	ClassList    StorageClass = 108
	ClassSection StorageClass = 109
)

func (c StorageClass) String() string {
	switch c {
	case ClassNull:
		return "C_NULL"
	case ClassExt:
		return "C_EXT"
	case ClassStatic:
		return "C_STAT"
	case ClassLabel:
		return "C_LABEL"
	case ClassFile:
		return "C_FILE"
	case ClassEOF:
		return "C_EOF"
	case ClassList:
		return "C_LIST"
	case ClassSection:
		return "C_SECTION"
	default:
		return fmt.Sprintf("C_%d", int8(c))
	}
}

// numeri di sezione speciali
const (
	SectionUndefined int16 = 0
	SectionAbsolute  int16 = -1
	SectionDebug     int16 = -2
)

// Binding è la visibilità di un simbolo ai fini del linking
type Binding int

const (
	BindLocal Binding = iota
	BindExternal
	BindUndefined
	BindCommon
)

func (b Binding) String() string {
	switch b {
	case BindLocal:
		return "local"
	case BindExternal:
		return "external"
	case BindUndefined:
		return "undefined"
	case BindCommon:
		return "common"
	default:
		return "?"
	}
}

type Symbol struct {
	Name          string
	Value         uint32
	SectionNumber int16
	Section       *Section // nil per simboli non definiti, assoluti o di debug
	Type          uint16
	DerivedType   uint16
	Class         StorageClass
	Aux           []Aux
	Index         uint32 // posizione nella tabella dei simboli, aux comprese
}

func (s *Symbol) Binding() Binding {
	if s.Class != ClassExt {
		return BindLocal
	}
	if s.SectionNumber == SectionUndefined {
		// nel COFF un esterno non definito con valore diverso da zero è un common
		if s.Value > 0 {
			return BindCommon
		}
		return BindUndefined
	}
	return BindExternal
}

func (s *Symbol) IsAbsolute() bool {
	return s.SectionNumber == SectionAbsolute
}

func (s *Symbol) IsDefined() bool {
	return s.Section != nil || s.IsAbsolute()
}

// Aux è una entry ausiliaria della tabella dei simboli
type Aux interface {
	isAux()
}

type FileAux struct {
	Filename string
	IncLine  uint32
	Flags    uint8
}

type SectionAux struct {
	Length         uint32
	NumRelocations uint16
	NumLineNumbers uint16
}

// RawAux contiene una entry ausiliaria di tipo che non interpreto
type RawAux [SymbolEntrySize]byte

func (FileAux) isAux()    {}
func (SectionAux) isAux() {}
func (RawAux) isAux()     {}

type RelocType uint16

const (
	RelocCall RelocType = iota + 1
	RelocGoto
	RelocHigh
	RelocLow
	RelocP
	RelocBanksel
	RelocPagesel
	RelocAll
	RelocIBanksel
	RelocF
	RelocTris
	RelocMovlr
	RelocMovlb
	RelocGoto2
	RelocFF1
	RelocFF2
	RelocLFSR1
	RelocLFSR2
	RelocBraRcall
	RelocCondBra
	RelocUpper
	RelocAccess
	RelocPageselWreg
	RelocPageselBits
	RelocScnszLow
	RelocScnszHigh
	RelocScnszUpper
	RelocScnendLow
	RelocScnendHigh
	RelocScnendUpper
	RelocScnendLFSR1
	RelocScnendLFSR2
)

var relocTypeNames = map[RelocType]string{
	RelocCall:        "RELOCT_CALL",
	RelocGoto:        "RELOCT_GOTO",
	RelocHigh:        "RELOCT_HIGH",
	RelocLow:         "RELOCT_LOW",
	RelocP:           "RELOCT_P",
	RelocBanksel:     "RELOCT_BANKSEL",
	RelocPagesel:     "RELOCT_PAGESEL",
	RelocAll:         "RELOCT_ALL",
	RelocIBanksel:    "RELOCT_IBANKSEL",
	RelocF:           "RELOCT_F",
	RelocTris:        "RELOCT_TRIS",
	RelocMovlr:       "RELOCT_MOVLR",
	RelocMovlb:       "RELOCT_MOVLB",
	RelocGoto2:       "RELOCT_GOTO2/CALL2",
	RelocFF1:         "RELOCT_FF1",
	RelocFF2:         "RELOCT_FF2",
	RelocLFSR1:       "RELOCT_LFSR1",
	RelocLFSR2:       "RELOCT_LFSR2",
	RelocBraRcall:    "RELOCT_BRA/RCALL",
	RelocCondBra:     "RELOCT_CONDBRA",
	RelocUpper:       "RELOCT_UPPER",
	RelocAccess:      "RELOCT_ACCESS",
	RelocPageselWreg: "RELOCT_PAGESEL_WREG",
	RelocPageselBits: "RELOCT_PAGESEL_BITS",
	RelocScnszLow:    "RELOCT_SCNSZ_LOW",
	RelocScnszHigh:   "RELOCT_SCNSZ_HIGH",
	RelocScnszUpper:  "RELOCT_SCNSZ_UPPER",
	RelocScnendLow:   "RELOCT_SCNEND_LOW",
	RelocScnendHigh:  "RELOCT_SCNEND_HIGH",
	RelocScnendUpper: "RELOCT_SCNEND_UPPER",
	RelocScnendLFSR1: "RELOCT_SCNEND_LFSR1",
	RelocScnendLFSR2: "RELOCT_SCNEND_LFSR2",
}

func (t RelocType) String() string {
	if name, ok := relocTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("RELOCT_%d", uint16(t))
}

func (t RelocType) Valid() bool {
	_, ok := relocTypeNames[t]
	return ok
}

type Relocation struct {
	Address     uint32 // offset in byte dentro la sezione
	SymbolIndex uint32
	Symbol      *Symbol
	Offset      int16 // addendo
	Type        RelocType
}

type LineNumber struct {
	SourceIndex   uint32
	Line          uint16
	PAddr         uint32
	Flags         uint16
	FunctionIndex uint32
	Source        *Symbol
	Function      *Symbol
}

// Object è un file oggetto COFF già parsato
type Object struct {
	Filename  string
	Header    Header
	Opt       *OptHeader
	Processor string
	Sections  []*Section
	// SymbolTable è indicizzata come su file: le posizioni delle entry
	// ausiliarie sono nil, le aux stanno dentro al simbolo che le precede
	SymbolTable []*Symbol
}

// NewObject crea un oggetto vuoto per il processore indicato, usato per
// costruire file oggetto da scrivere
func NewObject(filename, processor string) *Object {
	o := &Object{
		Filename:  filename,
		Header:    Header{Magic: Magic},
		Processor: processor,
	}
	if procType, ok := ProcessorType(processor); ok {
		o.Opt = &OptHeader{Magic: OptMagic, ProcType: procType, ROMWidth: 8, RAMWidth: 8}
	}
	return o
}

// AddSection aggiunge s in coda e le assegna il numero di sezione
func (o *Object) AddSection(s *Section) *Section {
	o.Sections = append(o.Sections, s)
	s.Number = len(o.Sections)
	if class, err := classFromFlags(s.Flags); err == nil {
		s.Class = class
	}
	return s
}

// AddSymbol aggiunge s in coda riservando un posto per ogni sua aux
func (o *Object) AddSymbol(s *Symbol) *Symbol {
	s.Index = uint32(len(o.SymbolTable))
	o.SymbolTable = append(o.SymbolTable, s)
	for range s.Aux {
		o.SymbolTable = append(o.SymbolTable, nil)
	}
	if s.Section != nil {
		s.SectionNumber = int16(s.Section.Number)
	}
	return s
}

// Symbols restituisce i simboli primari nell'ordine su file
func (o *Object) Symbols() []*Symbol {
	res := make([]*Symbol, 0, len(o.SymbolTable))
	for _, s := range o.SymbolTable {
		if s != nil {
			res = append(res, s)
		}
	}
	return res
}

// Lookup cerca un simbolo per nome, preferendo quelli non locali
func (o *Object) Lookup(name string) *Symbol {
	var local *Symbol
	for _, s := range o.SymbolTable {
		if s == nil || s.Name != name {
			continue
		}
		if s.Binding() != BindLocal {
			return s
		}
		if local == nil {
			local = s
		}
	}
	return local
}

// SectionByName restituisce la prima sezione con quel nome
func (o *Object) SectionByName(name string) *Section {
	for _, s := range o.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// FormatError segnala un file oggetto (o archivio) malformato
type FormatError struct {
	File  string
	Where string
	Msg   string
}

func (e *FormatError) Error() string {
	if e.Where == "" {
		return fmt.Sprintf("%s: %s", e.File, e.Msg)
	}
	return fmt.Sprintf("%s: in %s: %s", e.File, e.Where, e.Msg)
}

// Filename e Detail permettono al sink di registrare l'errore senza
// conoscerne il tipo
func (e *FormatError) Filename() string {
	return e.File
}

func (e *FormatError) Detail() string {
	if e.Where == "" {
		return e.Msg
	}
	return fmt.Sprintf("in %s: %s", e.Where, e.Msg)
}
