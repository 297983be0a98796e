package objectformat

import (
	"fmt"
	"strings"
	"time"
)

func hexLeft(v uint32, width int) string {
	return fmt.Sprintf("%-*s", width, fmt.Sprintf("%#x", v))
}

func baseTypeName(t uint16) string {
	if t == 0 {
		return "T_NULL"
	}
	return fmt.Sprintf("T_%d", t)
}

func derivedTypeName(t uint16) string {
	if t == 0 {
		return "DT_NON"
	}
	return fmt.Sprintf("DT_%d", t)
}

func (r *Relocation) String() string {
	name := "?"
	if r.Symbol != nil {
		name = r.Symbol.Name
	}
	return fmt.Sprintf("%s %-10d %s %-20s %s", hexLeft(r.Address, 10), r.Offset,
		hexLeft(uint32(r.Type), 4), r.Type, name)
}

func (l *LineNumber) String() string {
	file := "?"
	if l.Source != nil && len(l.Source.Aux) > 0 {
		if fa, ok := l.Source.Aux[0].(FileAux); ok {
			file = fa.Filename
		}
	}
	return fmt.Sprintf("%-8d %s %s", l.Line, hexLeft(l.PAddr, 8), file)
}

func (s *Symbol) sectionName() string {
	switch {
	case s.Section != nil:
		return s.Section.Name
	case s.SectionNumber == SectionAbsolute:
		return "ABSOLUTE"
	case s.SectionNumber < 0:
		return "DEBUG"
	case s.SectionNumber == SectionUndefined:
		return "UNDEFINED"
	default:
		return fmt.Sprintf("#%d", s.SectionNumber)
	}
}

func (s *Symbol) String() string {
	return fmt.Sprintf("%-24s %-16s %s %-8s %-12s %-9s %d", s.Name, s.sectionName(),
		hexLeft(s.Value, 10), baseTypeName(s.Type), derivedTypeName(s.DerivedType),
		s.Class, len(s.Aux))
}

func (a FileAux) String() string {
	return fmt.Sprintf("      file = %s\n      line included = %d\n      flags = %d",
		a.Filename, a.IncLine, a.Flags)
}

func (a SectionAux) String() string {
	return fmt.Sprintf("      length = %d\n      number of relocations = %d\n      number of line numbers = %d",
		a.Length, a.NumRelocations, a.NumLineNumbers)
}

func (a RawAux) String() string {
	return fmt.Sprintf("      raw = % x", a[:])
}

func (s *Section) String() string {
	var sb strings.Builder
	sb.WriteString("Section Header")
	fmt.Fprintf(&sb, "\nName                    %s", s.Name)
	fmt.Fprintf(&sb, "\nPhysical address        %#x", s.PAddr)
	fmt.Fprintf(&sb, "\nVirtual address         %#x", s.VAddr)
	fmt.Fprintf(&sb, "\nSize of Section         %d", s.Length())
	fmt.Fprintf(&sb, "\nNumber of Relocations   %d", len(s.Relocations))
	fmt.Fprintf(&sb, "\nNumber of Line Numbers  %d", len(s.LineNumbers))
	fmt.Fprintf(&sb, "\nFlags                   %#x\n", uint32(s.Flags))
	for _, f := range sectionFlagOrder {
		if s.Flags&f != 0 {
			fmt.Fprintf(&sb, "  %s\n", f)
		}
	}

	switch {
	case s.Flags&StypText != 0:
		// le istruzioni sono parole da 16 bit little endian
		sb.WriteString("\nData\n")
		for i := 0; i+1 < len(s.Data); i += 2 {
			fmt.Fprintf(&sb, "%06x:  %02x%02x\n", uint32(i)+s.PAddr, s.Data[i+1], s.Data[i])
		}
	case s.Flags&StypDataROM != 0:
		sb.WriteString("\nData\n")
		for i, b := range s.Data {
			fmt.Fprintf(&sb, "%06x:  %02x\n", uint32(i)+s.PAddr, b)
		}
	}

	if len(s.Relocations) > 0 {
		sb.WriteString("\nRelocations Table\n")
		sb.WriteString("Address    Offset     Type                      Symbol\n")
		for _, r := range s.Relocations {
			sb.WriteString(r.String())
			sb.WriteString("\n")
		}
	}
	if len(s.LineNumbers) > 0 {
		sb.WriteString("\nLine Number Table\n")
		sb.WriteString("Line     Address  Symbol\n")
		for _, l := range s.LineNumbers {
			sb.WriteString(l.String())
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func (o *Object) String() string {
	var sb strings.Builder
	processor := o.Processor
	if processor == "" {
		processor = "-"
	}
	sb.WriteString("COFF File and Optional Headers")
	fmt.Fprintf(&sb, "\nCOFF version         %#x", o.Header.Magic)
	fmt.Fprintf(&sb, "\nProcessor Type       %s", processor)
	fmt.Fprintf(&sb, "\nTime Stamp           %s", time.Unix(int64(o.Header.Timestamp), 0).UTC().Format(time.ANSIC))
	fmt.Fprintf(&sb, "\nNumber of Sections   %d", len(o.Sections))
	fmt.Fprintf(&sb, "\nNumber of Symbols    %d", len(o.SymbolTable))
	fmt.Fprintf(&sb, "\nCharacteristics      %d\n\n", o.Header.Flags)

	for _, s := range o.Sections {
		sb.WriteString(s.String())
		sb.WriteString("\n")
	}

	sb.WriteString("Symbol Table")
	sb.WriteString("\nIdx  Name                     Section          Value      Type     DT           Class     NumAux\n")
	for _, s := range o.SymbolTable {
		if s == nil {
			continue
		}
		fmt.Fprintf(&sb, "%04d %s\n", s.Index, s)
		for _, aux := range s.Aux {
			fmt.Fprintf(&sb, "%v\n", aux)
		}
	}
	return sb.String()
}
