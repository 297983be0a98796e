// Package diag raccoglie i messaggi diagnostici di una esecuzione del linker.
// Un Sink si crea per ogni esecuzione e si passa esplicitamente a chi può fallire
package diag

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Severity indica la gravità di un messaggio
type Severity int

const (
	Note Severity = iota
	Warning
	Error
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Note:
		return "note"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Kind classifica il problema, serve a chi deve decidere cosa fare
type Kind int

const (
	KindGeneric Kind = iota
	KindIO
	KindFormat
	KindUndefinedSymbol
	KindMultiplyDefined
	KindSectionOverlap
	KindRelocationOverflow
	KindMemory
	KindUnsupportedRelocation
	KindProcessor
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindIO:
		return "io"
	case KindFormat:
		return "format"
	case KindUndefinedSymbol:
		return "undefined-symbol"
	case KindMultiplyDefined:
		return "multiply-defined"
	case KindSectionOverlap:
		return "section-overlap"
	case KindRelocationOverflow:
		return "relocation-overflow"
	case KindMemory:
		return "memory"
	case KindUnsupportedRelocation:
		return "unsupported-relocation"
	case KindProcessor:
		return "processor"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Context dice da dove arriva il messaggio
type Context struct {
	File      string
	Section   string
	Symbol    string
	Offset    uint32
	HasOffset bool
}

// At è il contesto di un intero file
func At(file string) Context {
	return Context{File: file}
}

// In restringe il contesto a un offset dentro una sezione
func (c Context) In(section string, offset uint32) Context {
	c.Section = section
	c.Offset = offset
	c.HasOffset = true
	return c
}

func (c Context) String() string {
	var sb strings.Builder
	sb.WriteString(c.File)
	if c.Section != "" {
		sb.WriteString(":")
		sb.WriteString(c.Section)
		if c.HasOffset {
			fmt.Fprintf(&sb, "+%#x", c.Offset)
		}
	}
	return sb.String()
}

type Diagnostic struct {
	Severity Severity
	Kind     Kind
	Context  Context
	Message  string
}

func (d Diagnostic) Error() string {
	if d.Context.File == "" {
		return fmt.Sprintf("%s: %s", d.Severity, d.Message)
	}
	return fmt.Sprintf("%s: %s: %s", d.Context, d.Severity, d.Message)
}

const (
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorReset  = "\033[0m"
)

// Format restituisce il messaggio come lo stampa il linker
func (d Diagnostic) Format(useColor bool) string {
	if !useColor {
		return d.Error()
	}
	color := colorRed
	switch d.Severity {
	case Note:
		color = colorCyan
	case Warning:
		color = colorYellow
	}
	if d.Context.File == "" {
		return fmt.Sprintf("%s%s:%s %s", color, d.Severity, colorReset, d.Message)
	}
	return fmt.Sprintf("%s%s: %s%s:%s %s", colorBold, d.Context, color, d.Severity, colorReset, d.Message)
}

// fileError è implementato dagli errori di formato, senza che diag
// debba conoscere il pacchetto che li definisce
type fileError interface {
	error
	Filename() string
	Detail() string
}

// Sink accumula i messaggi nell'ordine in cui arrivano
type Sink struct {
	diags  []Diagnostic
	errors int
}

func New() *Sink {
	return &Sink{diags: make([]Diagnostic, 0)}
}

// Record aggiunge un messaggio; quelli da Error in su contano come errori
func (s *Sink) Record(sev Severity, kind Kind, ctx Context, format string, args ...any) {
	s.add(Diagnostic{
		Severity: sev,
		Kind:     kind,
		Context:  ctx,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (s *Sink) add(d Diagnostic) {
	s.diags = append(s.diags, d)
	if d.Severity >= Error {
		s.errors++
	}
}

func (s *Sink) Errorf(kind Kind, ctx Context, format string, args ...any) {
	s.Record(Error, kind, ctx, format, args...)
}

func (s *Sink) Warnf(ctx Context, format string, args ...any) {
	s.Record(Warning, KindGeneric, ctx, format, args...)
}

func (s *Sink) Notef(ctx Context, format string, args ...any) {
	s.Record(Note, KindGeneric, ctx, format, args...)
}

// RecordError registra err come errore. Gli errori di formato diventano
// KindFormat col loro file, un Diagnostic viene aggiunto così com'è
func (s *Sink) RecordError(err error) {
	if err == nil {
		return
	}
	var d Diagnostic
	if errors.As(err, &d) {
		s.add(d)
		return
	}
	var fe fileError
	if errors.As(err, &fe) {
		s.Record(Error, KindFormat, At(fe.Filename()), "%s", fe.Detail())
		return
	}
	s.Record(Error, KindGeneric, Context{}, "%v", err)
}

func (s *Sink) HasErrors() bool {
	return s.errors > 0
}

func (s *Sink) ErrorCount() int {
	return s.errors
}

// Count conta i messaggi di gravità almeno Error del tipo kind
func (s *Sink) Count(kind Kind) int {
	n := 0
	for _, d := range s.diags {
		if d.Kind == kind && d.Severity >= Error {
			n++
		}
	}
	return n
}

// Diagnostics restituisce una copia dei messaggi in ordine di arrivo
func (s *Sink) Diagnostics() []Diagnostic {
	res := make([]Diagnostic, len(s.diags))
	copy(res, s.diags)
	return res
}

// Report stampa tutti i messaggi su w, uno per riga
func (s *Sink) Report(w io.Writer, useColor bool) error {
	for _, d := range s.diags {
		if _, err := fmt.Fprintln(w, d.Format(useColor)); err != nil {
			return err
		}
	}
	return nil
}
