package linker

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"koltrakak/picld/archive"
	"koltrakak/picld/diag"
	obj "koltrakak/picld/objectformat"
)

// newCode crea un oggetto con una sola sezione di codice
func newCode(filename string, data []byte) (*obj.Object, *obj.Section) {
	o := obj.NewObject(filename, "18f2550")
	sec := o.AddSection(&obj.Section{Name: ".code", Flags: obj.StypText, Data: data})
	return o, sec
}

func external(o *obj.Object, name string, sec *obj.Section, value uint32) *obj.Symbol {
	return o.AddSymbol(&obj.Symbol{Name: name, Class: obj.ClassExt, Section: sec, Value: value})
}

func undefined(o *obj.Object, name string) *obj.Symbol {
	return o.AddSymbol(&obj.Symbol{Name: name, Class: obj.ClassExt, SectionNumber: obj.SectionUndefined})
}

func reloc(sec *obj.Section, addr uint32, sym *obj.Symbol, t obj.RelocType) {
	sec.Relocations = append(sec.Relocations, &obj.Relocation{Address: addr, Symbol: sym, Type: t})
}

// callerAndCallee: a.o chiama foo, definita all'inizio di b.o che finisce a 0x10
func callerAndCallee() []*obj.Object {
	data := make([]byte, 16)
	copy(data, []byte{0x00, 0xec, 0x00, 0xf0})
	a, code := newCode("a.o", data)
	foo := undefined(a, "foo")
	reloc(code, 0, foo, obj.RelocCall)
	reloc(code, 2, foo, obj.RelocGoto2)

	b, bcode := newCode("b.o", []byte{0x12, 0x00, 0x12, 0x00})
	external(b, "foo", bcode, 0)
	return []*obj.Object{a, b}
}

func mustLink(t *testing.T, objs []*obj.Object, opts Options) *Image {
	t.Helper()
	sink := diag.New()
	img := Link(objs, sink, opts)
	if sink.HasErrors() || img == nil {
		t.Fatalf("Link failed: %v", sink.Diagnostics())
	}
	return img
}

func expectWord(t *testing.T, img *Image, addr uint32, want uint16) {
	t.Helper()
	got, ok := img.Word(addr)
	if !ok {
		t.Fatalf("No word at %#x", addr)
	}
	if got != want {
		t.Errorf("Word at %#x = %#04x, expected %#04x", addr, got, want)
	}
}

func TestLinkResolvesCall(t *testing.T) {
	img := mustLink(t, callerAndCallee(), Options{})

	expectWord(t, img, 0, 0xec08)
	expectWord(t, img, 2, 0xf000)
	expectWord(t, img, 0x10, 0x0012)
	if img.Size() != 20 {
		t.Errorf("Image size = %d, expected 20", img.Size())
	}
	if len(img.Chunks) != 1 {
		t.Errorf("Adjacent sections must be merged, got %d chunks", len(img.Chunks))
	}
}

func TestLinkCodeBase(t *testing.T) {
	img := mustLink(t, callerAndCallee(), Options{CodeBase: 0x2a})

	// 0x2a è già pari, foo finisce a 0x3a
	expectWord(t, img, 0x2a, 0xec1d)
	if _, ok := img.At(0); ok {
		t.Errorf("Nothing must be placed below the code base")
	}
}

func TestLinkIsIdempotent(t *testing.T) {
	objs := callerAndCallee()
	before := bytes.Clone(objs[0].Sections[0].Data)

	first := mustLink(t, objs, Options{})
	second := mustLink(t, objs, Options{})
	if !first.Equal(second) {
		t.Errorf("Linking the same objects twice gave different images")
	}
	if !bytes.Equal(objs[0].Sections[0].Data, before) {
		t.Errorf("Link modified its input objects")
	}
}

func TestLinkMultiplyDefined(t *testing.T) {
	a, acode := newCode("a.o", []byte{0, 0})
	external(a, "foo", acode, 0)
	b, bcode := newCode("b.o", []byte{0, 0})
	external(b, "foo", bcode, 0)

	sink := diag.New()
	if img := Link([]*obj.Object{a, b}, sink, Options{}); img != nil {
		t.Errorf("Expected no image")
	}
	if sink.Count(diag.KindMultiplyDefined) != 1 {
		t.Fatalf("Expected one multiply defined error, got %v", sink.Diagnostics())
	}
	for _, d := range sink.Diagnostics() {
		if d.Kind == diag.KindMultiplyDefined && (d.Context.File != "b.o" || !strings.Contains(d.Message, "a.o")) {
			t.Errorf("Wrong diagnostic: %v", d)
		}
	}
}

func TestLinkLocalsDoNotClash(t *testing.T) {
	a, acode := newCode("a.o", []byte{0, 0})
	a.AddSymbol(&obj.Symbol{Name: "loop", Class: obj.ClassStatic, Section: acode})
	b, bcode := newCode("b.o", []byte{0, 0})
	b.AddSymbol(&obj.Symbol{Name: "loop", Class: obj.ClassStatic, Section: bcode})

	mustLink(t, []*obj.Object{a, b}, Options{})
}

func TestLinkUndefinedReportedOnce(t *testing.T) {
	var objs []*obj.Object
	for _, name := range []string{"a.o", "b.o"} {
		o, code := newCode(name, []byte{0x00, 0xec, 0x00, 0xf0})
		bar := undefined(o, "bar")
		reloc(code, 0, bar, obj.RelocCall)
		objs = append(objs, o)
	}

	sink := diag.New()
	if img := Link(objs, sink, Options{}); img != nil {
		t.Errorf("Expected no image")
	}
	if sink.Count(diag.KindUndefinedSymbol) != 1 {
		t.Errorf("Expected one undefined symbol error, got %v", sink.Diagnostics())
	}
	notes := 0
	for _, d := range sink.Diagnostics() {
		if d.Severity == diag.Note {
			notes++
		}
		if d.Kind == diag.KindInternal {
			t.Errorf("A reported symbol must not cause an internal error: %v", d)
		}
	}
	if notes != 1 {
		t.Errorf("Expected one note, got %d", notes)
	}
}

func TestLinkAbsoluteOverlap(t *testing.T) {
	o := obj.NewObject("abs.o", "18f2550")
	o.AddSection(&obj.Section{Name: "vec_a", Flags: obj.StypText | obj.StypAbs, PAddr: 0x100, Data: make([]byte, 4)})
	o.AddSection(&obj.Section{Name: "vec_b", Flags: obj.StypText | obj.StypAbs, PAddr: 0x102, Data: make([]byte, 4)})

	sink := diag.New()
	if img := Link([]*obj.Object{o}, sink, Options{}); img != nil {
		t.Errorf("Expected no image")
	}
	if sink.Count(diag.KindSectionOverlap) != 1 {
		t.Errorf("Expected one overlap error, got %v", sink.Diagnostics())
	}
}

func TestLinkAbsoluteOverlapsComputed(t *testing.T) {
	o, _ := newCode("main.o", make([]byte, 8))
	o.AddSection(&obj.Section{Name: "vec", Flags: obj.StypText | obj.StypAbs, PAddr: 0x4, Data: make([]byte, 2)})

	sink := diag.New()
	Link([]*obj.Object{o}, sink, Options{})
	if sink.Count(diag.KindSectionOverlap) != 1 {
		t.Errorf("Expected one overlap error, got %v", sink.Diagnostics())
	}
}

func TestLinkAbsoluteSymbols(t *testing.T) {
	// un simbolo in una sezione assoluta ha già il suo indirizzo
	a, acode := newCode("a.o", []byte{0x00, 0xef, 0x00, 0xf0})
	target := undefined(a, "isr")
	reloc(acode, 0, target, obj.RelocGoto)
	reloc(acode, 2, target, obj.RelocGoto2)

	b := obj.NewObject("b.o", "18f2550")
	vec := b.AddSection(&obj.Section{Name: "high_isr", Flags: obj.StypText | obj.StypAbs, PAddr: 0x1000, Data: []byte{0x10, 0x00}})
	external(b, "isr", vec, 0x1000)

	img := mustLink(t, []*obj.Object{a, b}, Options{})
	expectWord(t, img, 0, 0xef00)
	expectWord(t, img, 2, 0xf008)
	expectWord(t, img, 0x1000, 0x0010)
}

func TestLinkBranchOverflow(t *testing.T) {
	a, acode := newCode("a.o", []byte{0x00, 0xd0})
	far := undefined(a, "far")
	reloc(acode, 0, far, obj.RelocBraRcall)

	b := obj.NewObject("b.o", "18f2550")
	sec := b.AddSection(&obj.Section{Name: "far", Flags: obj.StypText | obj.StypAbs, PAddr: 0x1000, Data: []byte{0, 0}})
	external(b, "far", sec, 0x1000)

	sink := diag.New()
	if img := Link([]*obj.Object{a, b}, sink, Options{}); img != nil {
		t.Errorf("Expected no image")
	}
	if sink.Count(diag.KindRelocationOverflow) != 1 {
		t.Errorf("Expected one overflow error, got %v", sink.Diagnostics())
	}
}

func TestLinkUnsupportedRelocation(t *testing.T) {
	a, acode := newCode("a.o", []byte{0, 0})
	sym := external(a, "here", acode, 0)
	reloc(acode, 0, sym, obj.RelocTris)

	sink := diag.New()
	Link([]*obj.Object{a}, sink, Options{})
	if sink.Count(diag.KindUnsupportedRelocation) != 1 {
		t.Errorf("Expected one unsupported relocation error, got %v", sink.Diagnostics())
	}
}

func TestLinkRelocationPastSectionEnd(t *testing.T) {
	a, acode := newCode("a.o", []byte{0x00, 0xec})
	sym := external(a, "here", acode, 0)
	reloc(acode, 1, sym, obj.RelocCall)

	sink := diag.New()
	if img := Link([]*obj.Object{a}, sink, Options{}); img != nil {
		t.Errorf("Expected no image")
	}
	if sink.Count(diag.KindFormat) != 1 {
		t.Errorf("Expected one format error, got %v", sink.Diagnostics())
	}
}

func TestLinkCommons(t *testing.T) {
	a, acode := newCode("a.o", []byte{0x00, 0x0e, 0x00, 0x0e})
	buf := a.AddSymbol(&obj.Symbol{Name: "buf", Class: obj.ClassExt, Value: 4})
	reloc(acode, 0, buf, obj.RelocLow)
	b := obj.NewObject("b.o", "18f2550")
	b.AddSymbol(&obj.Symbol{Name: "buf", Class: obj.ClassExt, Value: 8})
	other := b.AddSymbol(&obj.Symbol{Name: "other", Class: obj.ClassExt, Value: 2})
	reloc(acode, 2, other, obj.RelocLow)

	img := mustLink(t, []*obj.Object{a, b}, Options{})
	// i common vanno dopo la access ram, buf prende la dimensione più grande
	expectWord(t, img, 0, 0x0e60)
	expectWord(t, img, 2, 0x0e68)
}

func TestLinkCommonWithDefinition(t *testing.T) {
	a, acode := newCode("a.o", []byte{0x00, 0x0e})
	buf := a.AddSymbol(&obj.Symbol{Name: "buf", Class: obj.ClassExt, Value: 4})
	reloc(acode, 0, buf, obj.RelocLow)

	b := obj.NewObject("b.o", "18f2550")
	vars := b.AddSection(&obj.Section{Name: ".udata", Flags: obj.StypBss, Size: 0x10})
	b.AddSymbol(&obj.Symbol{Name: "pad", Class: obj.ClassStatic, Section: vars})
	external(b, "buf", vars, 3)

	img := mustLink(t, []*obj.Object{a, b}, Options{})
	expectWord(t, img, 0, 0x0e63)
}

func TestLinkAccessRAM(t *testing.T) {
	a, acode := newCode("a.o", []byte{0x00, 0x6e, 0x00, 0x6e})
	acs := a.AddSection(&obj.Section{Name: ".udata_acs", Flags: obj.StypBss | obj.StypAccess, Size: 4})
	udata := a.AddSection(&obj.Section{Name: ".udata", Flags: obj.StypBss, Size: 4})
	fast := external(a, "fast", acs, 1)
	slow := external(a, "slow", udata, 0)
	reloc(acode, 0, fast, obj.RelocAccess)
	reloc(acode, 2, slow, obj.RelocAccess)

	img := mustLink(t, []*obj.Object{a}, Options{})
	expectWord(t, img, 0, 0x6e00)
	expectWord(t, img, 2, 0x6f00)
}

func TestLinkAccessOverflow(t *testing.T) {
	a, _ := newCode("a.o", []byte{0, 0})
	a.AddSection(&obj.Section{Name: ".udata_acs", Flags: obj.StypBss | obj.StypAccess, Size: 0x61})

	sink := diag.New()
	Link([]*obj.Object{a}, sink, Options{})
	if sink.Count(diag.KindMemory) != 1 {
		t.Errorf("Expected one memory error, got %v", sink.Diagnostics())
	}
}

func TestLinkProgramMemoryFull(t *testing.T) {
	a, _ := newCode("a.o", make([]byte, 0x8002))

	sink := diag.New()
	Link([]*obj.Object{a}, sink, Options{})
	if sink.Count(diag.KindMemory) != 1 {
		t.Errorf("Expected one memory error, got %v", sink.Diagnostics())
	}
}

func TestLinkConfigSpace(t *testing.T) {
	a, _ := newCode("a.o", []byte{0x12, 0x00})
	a.AddSection(&obj.Section{Name: "CONFIG", Flags: obj.StypText | obj.StypAbs, PAddr: 0x300000, Data: []byte{0x20, 0x1e}})

	img := mustLink(t, []*obj.Object{a}, Options{})
	expectWord(t, img, 0x300000, 0x1e20)
}

func TestLinkProcessor(t *testing.T) {
	objs := callerAndCallee()

	sink := diag.New()
	if img := Link(objs, sink, Options{Processor: "16f84"}); img != nil {
		t.Errorf("Expected no image for an unknown processor")
	}
	if sink.Count(diag.KindProcessor) != 1 {
		t.Errorf("Expected one processor error, got %v", sink.Diagnostics())
	}

	objs[1].Processor = "18f26j13"
	sink = diag.New()
	if img := Link(objs, sink, Options{}); img == nil {
		t.Fatalf("A processor mismatch is only a warning: %v", sink.Diagnostics())
	}
	if len(sink.Diagnostics()) != 1 || sink.Diagnostics()[0].Severity != diag.Warning {
		t.Errorf("Expected one warning, got %v", sink.Diagnostics())
	}
}

func TestLinkNoObjects(t *testing.T) {
	sink := diag.New()
	if img := Link(nil, sink, Options{}); img != nil {
		t.Errorf("Expected no image")
	}
	if !sink.HasErrors() {
		t.Errorf("Expected an error")
	}
}

func TestLinkTrace(t *testing.T) {
	var trace bytes.Buffer
	mustLink(t, callerAndCallee(), Options{Trace: &trace})

	out := trace.String()
	for _, want := range []string{"### sezioni", "### globalSymbolTable", "foo", "b.o"} {
		if !strings.Contains(out, want) {
			t.Errorf("Trace does not contain %q:\n%s", want, out)
		}
	}
}

func writeInputs(t *testing.T, dir string, objs []*obj.Object) []string {
	t.Helper()
	var paths []string
	for _, o := range objs {
		path := filepath.Join(dir, o.Filename)
		if err := o.WriteObjectFile(path); err != nil {
			t.Fatalf("WriteObjectFile failed: %v", err)
		}
		paths = append(paths, path)
	}
	return paths
}

func TestLinkFilesArchiveEquivalence(t *testing.T) {
	dir := t.TempDir()
	objs := callerAndCallee()
	paths := writeInputs(t, dir, objs)

	var members []archive.Member
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			t.Fatal(err)
		}
		members = append(members, archive.Member{Name: filepath.Base(p), Content: content})
	}
	var lib bytes.Buffer
	if err := archive.Write(&lib, members); err != nil {
		t.Fatalf("archive.Write failed: %v", err)
	}
	libPath := filepath.Join(dir, "lib.a")
	if err := os.WriteFile(libPath, lib.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	sink := diag.New()
	direct, err := LinkFiles(paths, sink, Options{})
	if err != nil || direct == nil {
		t.Fatalf("LinkFiles on objects failed: %v %v", err, sink.Diagnostics())
	}
	sink = diag.New()
	fromLib, err := LinkFiles([]string{libPath}, sink, Options{})
	if err != nil || fromLib == nil {
		t.Fatalf("LinkFiles on archive failed: %v %v", err, sink.Diagnostics())
	}
	if !direct.Equal(fromLib) {
		t.Errorf("Linking the archive gave a different image")
	}
}

func TestLoadInputsMissingFile(t *testing.T) {
	sink := diag.New()
	_, err := LoadInputs([]string{filepath.Join(t.TempDir(), "missing.o")}, sink)
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("Expected an IOError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("IOError must wrap the cause")
	}
}

func TestLoadInputsSkipsBadObject(t *testing.T) {
	dir := t.TempDir()
	paths := writeInputs(t, dir, callerAndCallee())
	bad := filepath.Join(dir, "bad.o")
	if err := os.WriteFile(bad, []byte("not an object"), 0o644); err != nil {
		t.Fatal(err)
	}

	sink := diag.New()
	objs, err := LoadInputs(append([]string{bad}, paths...), sink)
	if err != nil {
		t.Fatalf("LoadInputs failed: %v", err)
	}
	if len(objs) != 2 {
		t.Errorf("Expected 2 objects, got %d", len(objs))
	}
	if sink.Count(diag.KindFormat) != 1 {
		t.Errorf("Expected one format error, got %v", sink.Diagnostics())
	}
	if img := Link(objs, sink, Options{}); img != nil {
		t.Errorf("A previous format error must suppress the image")
	}
}
