// Package hexfile scrive l'immagine linkata in formato Intel HEX
package hexfile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/marcinbor85/gohex"

	"koltrakak/picld/linker"
)

// DefaultRecordLen è il numero di byte di dati per riga usato da MPLINK
const DefaultRecordLen = 16

// Build carica i chunk dell'immagine in una memoria gohex
func Build(img *linker.Image) (*gohex.Memory, error) {
	mem := gohex.NewMemory()
	for _, c := range img.Chunks {
		if err := mem.AddBinary(c.Address, c.Data); err != nil {
			return nil, fmt.Errorf("chunk a %#x: %w", c.Address, err)
		}
	}
	return mem, nil
}

// Write scrive img su w con righe da recordLen byte. Gli indirizzi sopra i
// 64K usano i record di indirizzo lineare esteso, in fondo c'è il record EOF
func Write(w io.Writer, img *linker.Image, recordLen int) error {
	if recordLen <= 0 || recordLen > 255 {
		return fmt.Errorf("lunghezza del record %d non valida", recordLen)
	}
	mem, err := Build(img)
	if err != nil {
		return err
	}
	if !needsExtended(img) {
		var buf bytes.Buffer
		if err := mem.DumpIntelHex(&buf, byte(recordLen)); err != nil {
			return err
		}
		_, err := w.Write(stripZeroExtended(buf.Bytes()))
		return err
	}
	return mem.DumpIntelHex(w, byte(recordLen))
}

// zeroExtended è il record di indirizzo esteso a 0 che gohex
// mette sempre in testa
const zeroExtended = ":020000040000FA"

// needsExtended è vero se l'immagine esce dai primi 64K
func needsExtended(img *linker.Image) bool {
	for _, c := range img.Chunks {
		if c.End() > 0x10000 {
			return true
		}
	}
	return false
}

// stripZeroExtended toglie i record di indirizzo esteso a 0
func stripZeroExtended(dump []byte) []byte {
	var out bytes.Buffer
	for _, line := range bytes.SplitAfter(dump, []byte("\n")) {
		if bytes.EqualFold(bytes.TrimSpace(line), []byte(zeroExtended)) {
			continue
		}
		out.Write(line)
	}
	return out.Bytes()
}

// WriteFile crea filename solo se la scrittura va a buon fine
func WriteFile(filename string, img *linker.Image, recordLen int) error {
	f, err := os.CreateTemp(filepath.Dir(filename), ".picld-*.hex")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	// CreateTemp crea il file con 0600
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		return err
	}
	if err := Write(f, img, recordLen); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), filename)
}
