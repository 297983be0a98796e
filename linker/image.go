package linker

import (
	"bytes"
	"sort"
)

// Chunk è un intervallo contiguo di byte a partire da Address
type Chunk struct {
	Address uint32
	Data    []byte
}

func (c Chunk) End() uint32 {
	return c.Address + uint32(len(c.Data))
}

// Image è il risultato del linking: i byte della memoria programma con il
// loro indirizzo assoluto. I chunk sono ordinati e non si sovrappongono
type Image struct {
	Chunks []Chunk
}

// newImage ordina i chunk e fonde quelli adiacenti. I dati vengono copiati
func newImage(chunks []Chunk) *Image {
	sorted := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Data) == 0 {
			continue
		}
		sorted = append(sorted, Chunk{Address: c.Address, Data: bytes.Clone(c.Data)})
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Address < sorted[j].Address
	})

	img := &Image{}
	for _, c := range sorted {
		n := len(img.Chunks)
		if n > 0 && img.Chunks[n-1].End() == c.Address {
			img.Chunks[n-1].Data = append(img.Chunks[n-1].Data, c.Data...)
			continue
		}
		img.Chunks = append(img.Chunks, c)
	}
	return img
}

// Size è il numero di byte dell'immagine
func (img *Image) Size() int {
	n := 0
	for _, c := range img.Chunks {
		n += len(c.Data)
	}
	return n
}

// At restituisce il byte all'indirizzo addr, se l'immagine lo contiene
func (img *Image) At(addr uint32) (byte, bool) {
	i := sort.Search(len(img.Chunks), func(i int) bool {
		return img.Chunks[i].End() > addr
	})
	if i < len(img.Chunks) && img.Chunks[i].Address <= addr {
		return img.Chunks[i].Data[addr-img.Chunks[i].Address], true
	}
	return 0, false
}

// Word legge la parola little endian da 16 bit all'indirizzo addr
func (img *Image) Word(addr uint32) (uint16, bool) {
	lo, ok1 := img.At(addr)
	hi, ok2 := img.At(addr + 1)
	return uint16(lo) | uint16(hi)<<8, ok1 && ok2
}

func (img *Image) Equal(other *Image) bool {
	if img == nil || other == nil {
		return img == other
	}
	if len(img.Chunks) != len(other.Chunks) {
		return false
	}
	for i := range img.Chunks {
		if img.Chunks[i].Address != other.Chunks[i].Address || !bytes.Equal(img.Chunks[i].Data, other.Chunks[i].Data) {
			return false
		}
	}
	return true
}
