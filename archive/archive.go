// Package archive separa gli archivi ar nei file oggetto che contengono.
// Non uso l'indice dei simboli: i membri vengono presi tutti, in ordine
package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"koltrakak/picld/diag"
	obj "koltrakak/picld/objectformat"
)

const (
	Magic      = "!<arch>\n"
	HeaderSize = 60
	headerEnd  = "`\n"
)

// Kind è il tipo di un input, ricavato dai primi byte
type Kind int

const (
	KindUnknown Kind = iota
	KindEmpty
	KindObject
	KindArchive
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindObject:
		return "object"
	case KindArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// Classify guarda la firma iniziale di content
func Classify(content []byte) Kind {
	switch {
	case len(content) == 0:
		return KindEmpty
	case bytes.HasPrefix(content, []byte(Magic)):
		return KindArchive
	case len(content) >= 2 && binary.LittleEndian.Uint16(content) == obj.Magic:
		return KindObject
	default:
		return KindUnknown
	}
}

func IsContainer(content []byte) bool {
	return Classify(content) == KindArchive
}

type Member struct {
	Name    string
	Content []byte
}

// header sono i campi di una intestazione da 60 byte, ancora come testo
type header struct {
	name string
	date string
	uid  string
	gid  string
	mode string
	size string
	fmag string
}

func splitHeader(b []byte) header {
	return header{
		name: strings.TrimRight(string(b[0:16]), " "),
		date: string(b[16:28]),
		uid:  string(b[28:34]),
		gid:  string(b[34:40]),
		mode: string(b[40:48]),
		size: strings.TrimSpace(string(b[48:58])),
		fmag: string(b[58:60]),
	}
}

// longName legge dalla tabella "//" il nome che parte da index e finisce con '/'
func longName(table string, index string) (string, error) {
	i, err := strconv.Atoi(index)
	if err != nil || i < 0 || i >= len(table) {
		return "", fmt.Errorf("indice %q fuori dalla tabella dei nomi lunghi", index)
	}
	end := strings.IndexAny(table[i:], "/\n")
	if end < 0 {
		return table[i:], nil
	}
	return table[i : i+end], nil
}

// Extract restituisce i membri dell'archivio name nell'ordine in cui sono
// memorizzati. Un membro con intestazione malformata viene registrato nel
// sink e saltato; se non si riesce a capire dove finisce l'estrazione si ferma
func Extract(name string, content []byte, sink *diag.Sink) []Member {
	var members []Member
	var longNames string

	if !IsContainer(content) {
		sink.Errorf(diag.KindFormat, diag.At(name), "non è un archivio ar")
		return nil
	}

	pos := len(Magic)
	for n := 0; pos < len(content); n++ {
		if len(content)-pos < HeaderSize {
			sink.Errorf(diag.KindFormat, diag.At(name), "intestazione ar troncata")
			break
		}
		hdr := splitHeader(content[pos : pos+HeaderSize])
		size, err := strconv.ParseUint(hdr.size, 10, 32)
		if err != nil {
			sink.Errorf(diag.KindFormat, diag.At(name), "membro %d: dimensione %q non valida", n, hdr.size)
			break
		}
		dataStart := pos + HeaderSize
		dataEnd := dataStart + int(size)
		if dataEnd > len(content) {
			sink.Errorf(diag.KindFormat, diag.At(name), "membro %d troncato", n)
			break
		}
		data := content[dataStart:dataEnd]
		// i membri di lunghezza dispari hanno un byte di padding
		pos = dataEnd + int(size%2)

		if hdr.fmag != headerEnd {
			sink.Errorf(diag.KindFormat, diag.At(name), "membro %d: terminatore dell'intestazione non valido", n)
			continue
		}

		memberName := hdr.name
		switch {
		case memberName == "//":
			longNames = string(data)
			continue
		case memberName == "/" || memberName == "/SYM64/" || strings.HasPrefix(memberName, "__.SYMDEF"):
			// indice dei simboli, non mi serve
			continue
		case strings.HasPrefix(memberName, "/"):
			memberName, err = longName(longNames, memberName[1:])
			if err != nil {
				sink.Errorf(diag.KindFormat, diag.At(name), "membro %d: %v", n, err)
				continue
			}
		default:
			memberName = strings.TrimSuffix(memberName, "/")
		}

		members = append(members, Member{Name: memberName, Content: data})
	}

	return members
}

// MemberFilename è il nome con cui i messaggi identificano un membro
func MemberFilename(archive, member string) string {
	return fmt.Sprintf("%s(%s)", archive, member)
}

// Write crea un archivio con i membri indicati, con la tabella dei nomi
// lunghi quando serve
func Write(w io.Writer, members []Member) error {
	var buf bytes.Buffer
	buf.WriteString(Magic)

	var table strings.Builder
	names := make([]string, len(members))
	for i, m := range members {
		if len(m.Name) > 15 {
			names[i] = fmt.Sprintf("/%d", table.Len())
			table.WriteString(m.Name)
			table.WriteString("/\n")
		} else {
			names[i] = m.Name + "/"
		}
	}
	if table.Len() > 0 {
		writeMember(&buf, "//", []byte(table.String()))
	}
	for i, m := range members {
		writeMember(&buf, names[i], m.Content)
	}

	_, err := w.Write(buf.Bytes())
	return err
}

func writeMember(buf *bytes.Buffer, name string, data []byte) {
	fmt.Fprintf(buf, "%-16s%-12d%-6d%-6d%-8o%-10d%s", name, 0, 0, 0, 0o644, len(data), headerEnd)
	buf.Write(data)
	if len(data)%2 == 1 {
		buf.WriteByte('\n')
	}
}
