// Package linker definisce il mio linker per i file oggetto COFF dei PIC18.
// Il linking avviene in tre passi: risoluzione dei simboli, allocazione
// delle sezioni e applicazione dei fixup. Gli errori finiscono nel sink e
// non interrompono i passi, così in una esecuzione li vedo tutti
package linker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/k0kubun/pp/v3"

	"koltrakak/picld/diag"
	obj "koltrakak/picld/objectformat"
)

type Options struct {
	// Processor sostituisce il processore indicato nei file oggetto
	Processor string
	// CodeBase è l'indirizzo da cui parte il codice rilocabile
	CodeBase uint32
	// Trace, se non nil, riceve le tabelle di allocazione e dei simboli
	Trace io.Writer
}

// nome del file sintetico che contiene i common senza definizione
const commonFile = "<common>"

// inputSection è una sezione di un file di input con l'indirizzo che le ho
// assegnato e una copia dei dati su cui applico i fixup
type inputSection struct {
	obj  *obj.Object
	sec  *obj.Section
	base uint32
	data []byte
}

func (is *inputSection) end() uint32 {
	return is.base + is.sec.Length()
}

type SymbolTableEntry struct {
	FileName string
	Object   *obj.Object
	Symbol   *obj.Symbol
}

// GlobalSymbolTable la chiave è il nome del simbolo
type GlobalSymbolTable map[string]SymbolTableEntry

type linkState struct {
	sink *diag.Sink
	proc Processor
	opts Options
	objs []*obj.Object

	// la chiave è la sezione del file di input
	sections map[*obj.Section]*inputSection
	order    []*inputSection

	globals    GlobalSymbolTable
	unresolved map[string]bool
}

// LinkFiles carica i file (oggetti o archivi) e li linka. Solo l'errore di
// I/O viene restituito, tutto il resto finisce nel sink
func LinkFiles(paths []string, sink *diag.Sink, opts Options) (*Image, error) {
	objs, err := LoadInputs(paths, sink)
	if err != nil {
		return nil, err
	}
	return Link(objs, sink, opts), nil
}

// Link linka gli oggetti nell'ordine dato. Se nel sink c'è un errore
// (anche registrato prima della chiamata) restituisce nil
func Link(objs []*obj.Object, sink *diag.Sink, opts Options) *Image {
	if len(objs) == 0 {
		sink.Errorf(diag.KindGeneric, diag.Context{}, "nessun file oggetto da linkare")
		return nil
	}
	proc, ok := chooseProcessor(objs, sink, opts)
	if !ok {
		return nil
	}

	l := &linkState{
		sink:       sink,
		proc:       proc,
		opts:       opts,
		objs:       append([]*obj.Object(nil), objs...),
		sections:   map[*obj.Section]*inputSection{},
		globals:    GlobalSymbolTable{},
		unresolved: map[string]bool{},
	}

	l.resolveSymbols()
	l.allocateStorage()
	if opts.Trace != nil {
		l.trace(opts.Trace)
	}
	l.applyFixups()

	if sink.HasErrors() {
		return nil
	}
	return l.buildImage()
}

func chooseProcessor(objs []*obj.Object, sink *diag.Sink, opts Options) (Processor, bool) {
	name := opts.Processor
	if name == "" {
		name = objs[0].Processor
	}
	for _, o := range objs {
		if o.Processor != "" && o.Processor != name {
			sink.Warnf(diag.At(o.Filename), "processore diverso: %s invece di %s", o.Processor, name)
		}
	}
	proc, ok := LookupProcessor(name)
	if !ok {
		if name == "" {
			sink.Errorf(diag.KindProcessor, diag.Context{}, "processore non specificato")
		} else {
			sink.Errorf(diag.KindProcessor, diag.Context{}, "informazioni sul processore '%s' non trovate", name)
		}
	}
	return proc, ok
}

/****** SYMBOL RESOLUTION ******/

type reference struct {
	name string
	file string
}

type commonSymbol struct {
	name string
	file string
	size uint32
}

func (l *linkState) resolveSymbols() {
	var refs []reference
	commons := map[string]*commonSymbol{}
	var commonOrder []string

	// scorro le symbol table di tutti i miei oggetti
	for _, o := range l.objs {
		for _, sym := range o.Symbols() {
			switch sym.Binding() {
			case obj.BindLocal:
				// i simboli locali restano nel loro oggetto, i nomi possono ripetersi
			case obj.BindExternal:
				if prev, ok := l.globals[sym.Name]; ok {
					// tengo la prima definizione
					l.sink.Errorf(diag.KindMultiplyDefined, diag.Context{File: o.Filename, Symbol: sym.Name},
						"simbolo '%s' definito più volte (prima definizione in '%s')", sym.Name, prev.FileName)
					continue
				}
				l.globals[sym.Name] = SymbolTableEntry{FileName: o.Filename, Object: o, Symbol: sym}
			case obj.BindCommon:
				c, ok := commons[sym.Name]
				if !ok {
					c = &commonSymbol{name: sym.Name, file: o.Filename}
					commons[sym.Name] = c
					commonOrder = append(commonOrder, sym.Name)
				}
				c.size = max(c.size, sym.Value)
			case obj.BindUndefined:
				refs = append(refs, reference{name: sym.Name, file: o.Filename})
			}
		}
	}

	l.allocateCommons(commons, commonOrder)

	// riferimenti senza definizione: segnalo ogni nome una volta sola
	noteSeen := false
	for _, r := range refs {
		if _, ok := l.globals[r.name]; ok || l.unresolved[r.name] {
			continue
		}
		l.unresolved[r.name] = true
		l.sink.Errorf(diag.KindUndefinedSymbol, diag.Context{File: r.file, Symbol: r.name}, "simbolo '%s' non definito", r.name)
		if !noteSeen {
			l.sink.Notef(diag.At(r.file), "ogni simbolo non definito viene segnalato una volta sola")
			noteSeen = true
		}
	}
}

// allocateCommons mette i common che nessuno definisce in una sezione udata
// di un oggetto sintetico, accodato agli input
func (l *linkState) allocateCommons(commons map[string]*commonSymbol, order []string) {
	var pending []*commonSymbol
	for _, name := range order {
		if _, ok := l.globals[name]; !ok {
			pending = append(pending, commons[name])
		}
	}
	if len(pending) == 0 {
		return
	}

	o := obj.NewObject(commonFile, l.proc.Name)
	sec := o.AddSection(&obj.Section{Name: ".common", Flags: obj.StypBss})
	for _, c := range pending {
		sym := o.AddSymbol(&obj.Symbol{Name: c.name, Class: obj.ClassExt, Section: sec, Value: sec.Size})
		sec.Size += c.size
		l.globals[c.name] = SymbolTableEntry{FileName: c.file, Object: o, Symbol: sym}
	}
	l.objs = append(l.objs, o)
}

/****** STORAGE ALLOCATION ******/

func align(x uint32, alignment uint32) uint32 {
	return (x + (alignment - 1)) &^ (alignment - 1) // nand mi azzera i LSB
}

// place concatena le sezioni a partire da cursor e restituisce la fine
func place(sections []*inputSection, cursor uint32) uint32 {
	for _, is := range sections {
		cursor = align(cursor, is.sec.Alignment())
		is.base = cursor
		cursor += is.sec.Length()
	}
	return cursor
}

func (l *linkState) allocateStorage() {
	byClass := map[obj.MemoryClass][]*inputSection{}
	for _, o := range l.objs {
		for _, s := range o.Sections {
			is := &inputSection{obj: o, sec: s, data: bytes.Clone(s.Data)}
			l.sections[s] = is
			l.order = append(l.order, is)
			if s.IsAbsolute() {
				// le sezioni assolute stanno dove hanno deciso loro
				is.base = s.PAddr
				continue
			}
			byClass[s.Class] = append(byClass[s.Class], is)
		}
	}

	// memoria programma: prima il codice, poi di seguito i dati in rom
	end := place(byClass[obj.ClassCode], l.opts.CodeBase)
	place(byClass[obj.ClassROMData], end)
	// memoria dati: la access ram parte da zero, il resto dopo di lei
	place(byClass[obj.ClassAccess], 0)
	place(byClass[obj.ClassUData], l.proc.Access)

	for _, is := range byClass[obj.ClassAccess] {
		if is.end() > l.proc.Access {
			l.sink.Errorf(diag.KindMemory, diag.Context{File: is.obj.Filename, Section: is.sec.Name},
				"nessuna access ram disponibile per la sezione '%s'", is.sec.Name)
		}
	}
	l.checkCapacity()
	l.checkOverlaps()
}

func (l *linkState) checkCapacity() {
	for _, is := range l.order {
		limit := l.proc.RAM
		if is.sec.Class.InProgramMemory() {
			if is.sec.IsAbsolute() && is.base >= ConfigSpaceStart {
				continue
			}
			limit = l.proc.ProgramMemory
		}
		if is.end() > limit {
			l.sink.Errorf(diag.KindMemory, diag.Context{File: is.obj.Filename, Section: is.sec.Name},
				"nessuna memoria disponibile per la sezione '%s' (%#x-%#x, limite %#x)", is.sec.Name, is.base, is.end(), limit)
		}
	}
}

// checkOverlaps cerca sovrapposizioni che coinvolgono sezioni assolute,
// separatamente per memoria programma e memoria dati
func (l *linkState) checkOverlaps() {
	for _, program := range []bool{true, false} {
		var space []*inputSection
		for _, is := range l.order {
			if is.sec.Class.InProgramMemory() == program && is.sec.Length() > 0 {
				space = append(space, is)
			}
		}
		sort.SliceStable(space, func(i, j int) bool {
			return space[i].base < space[j].base
		})

		// last è la sezione vista finora che arriva più lontano
		var last *inputSection
		for _, is := range space {
			if last != nil && is.base < last.end() && (is.sec.IsAbsolute() || last.sec.IsAbsolute()) {
				l.sink.Errorf(diag.KindSectionOverlap, diag.Context{File: is.obj.Filename, Section: is.sec.Name},
					"la sezione '%s' (%#x-%#x) si sovrappone alla sezione '%s' di '%s' (%#x-%#x)",
					is.sec.Name, is.base, is.end(), last.sec.Name, last.obj.Filename, last.base, last.end())
			}
			if last == nil || is.end() > last.end() {
				last = is
			}
		}
	}
}

// address è l'indirizzo finale di un simbolo definito
func (l *linkState) address(sym *obj.Symbol) (uint32, *inputSection, bool) {
	if sym.IsAbsolute() {
		return sym.Value, nil, true
	}
	if sym.Section == nil {
		return 0, nil, false
	}
	is, ok := l.sections[sym.Section]
	if !ok {
		return 0, nil, false
	}
	if sym.Section.IsAbsolute() {
		// nelle sezioni assolute il valore è già un indirizzo
		return sym.Value, is, true
	}
	return is.base + sym.Value, is, true
}

// resolve passa dalla tabella globale per i riferimenti esterni
func (l *linkState) resolve(sym *obj.Symbol) (uint32, *inputSection, bool) {
	switch sym.Binding() {
	case obj.BindUndefined, obj.BindCommon:
		entry, ok := l.globals[sym.Name]
		if !ok {
			return 0, nil, false
		}
		return l.address(entry.Symbol)
	default:
		return l.address(sym)
	}
}

/****** FIXUP APPLICATION ******/

func (l *linkState) applyFixups() {
	for _, is := range l.order {
		for _, r := range is.sec.Relocations {
			ctx := diag.At(is.obj.Filename).In(is.sec.Name, r.Address)
			if r.Symbol == nil || int(r.Address)+2 > len(is.data) {
				l.sink.Errorf(diag.KindFormat, ctx, "relocation %s non valida", r.Type)
				continue
			}
			ctx.Symbol = r.Symbol.Name

			target, targetSec, ok := l.resolve(r.Symbol)
			if !ok {
				if l.unresolved[r.Symbol.Name] {
					// già segnalato come non definito
					continue
				}
				l.sink.Record(diag.Fatal, diag.KindInternal, ctx, "il simbolo '%s' non ha un indirizzo dopo la risoluzione", r.Symbol.Name)
				continue
			}

			c := relocContext{
				value:   uint32(int64(target) + int64(r.Offset)),
				address: is.base + r.Address,
				opcode:  binary.LittleEndian.Uint16(is.data[r.Address:]),
				target:  targetSec,
				proc:    l.proc,
			}
			word, perr := patch(r.Type, c)
			if perr != nil {
				l.sink.Errorf(perr.kind, ctx, "%s", perr.msg)
				// un overflow lo scrivo troncato, così il layout resta deterministico
				if perr.kind != diag.KindRelocationOverflow {
					continue
				}
			}
			binary.LittleEndian.PutUint16(is.data[r.Address:], word)
		}
	}
}

func (l *linkState) buildImage() *Image {
	var chunks []Chunk
	for _, is := range l.order {
		if is.sec.Class.InProgramMemory() && len(is.data) > 0 {
			chunks = append(chunks, Chunk{Address: is.base, Data: is.data})
		}
	}
	return newImage(chunks)
}

/****** TRACE ******/

type placedSection struct {
	File    string
	Section string
	Class   string
	Start   string
	End     string
}

type placedSymbol struct {
	File    string
	Address string
}

func (l *linkState) trace(w io.Writer) {
	printer := pp.New()
	printer.SetColoringEnabled(false)

	rows := make([]placedSection, 0, len(l.order))
	for _, is := range l.order {
		rows = append(rows, placedSection{
			File:    is.obj.Filename,
			Section: is.sec.Name,
			Class:   is.sec.Class.String(),
			Start:   fmt.Sprintf("%#06x", is.base),
			End:     fmt.Sprintf("%#06x", is.end()),
		})
	}
	fmt.Fprintln(w, "### sezioni")
	printer.Fprintln(w, rows)

	symbols := map[string]placedSymbol{}
	for name, entry := range l.globals {
		addr, _, _ := l.address(entry.Symbol)
		symbols[name] = placedSymbol{File: entry.FileName, Address: fmt.Sprintf("%#06x", addr)}
	}
	fmt.Fprintln(w, "### globalSymbolTable")
	printer.Fprintln(w, symbols)
}
