package linker

import (
	"fmt"
	"os"

	"koltrakak/picld/archive"
	"koltrakak/picld/diag"
	obj "koltrakak/picld/objectformat"
)

// IOError è l'unico errore che ferma subito il caricamento degli input
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("impossibile leggere '%s': %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// LoadInputs legge i file nell'ordine dato. Gli archivi vengono espansi nei
// loro membri, sempre in ordine. Un oggetto malformato viene segnalato nel
// sink e saltato
func LoadInputs(paths []string, sink *diag.Sink) ([]*obj.Object, error) {
	var objs []*obj.Object
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, &IOError{Path: path, Err: err}
		}
		objs = append(objs, loadContent(path, content, sink)...)
	}
	return objs, nil
}

func loadContent(path string, content []byte, sink *diag.Sink) []*obj.Object {
	switch archive.Classify(content) {
	case archive.KindArchive:
		var objs []*obj.Object
		for _, m := range archive.Extract(path, content, sink) {
			if o := parseObject(archive.MemberFilename(path, m.Name), m.Content, sink); o != nil {
				objs = append(objs, o)
			}
		}
		return objs
	case archive.KindEmpty:
		sink.Errorf(diag.KindFormat, diag.At(path), "file vuoto")
		return nil
	default:
		if o := parseObject(path, content, sink); o != nil {
			return []*obj.Object{o}
		}
		return nil
	}
}

func parseObject(filename string, content []byte, sink *diag.Sink) *obj.Object {
	o, err := obj.Parse(filename, content)
	if err != nil {
		sink.RecordError(err)
		return nil
	}
	return o
}
