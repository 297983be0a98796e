// objdump stampa il contenuto di un file oggetto COFF PIC18, o di ogni
// membro di un archivio
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/xyproto/env/v2"

	"koltrakak/picld/archive"
	"koltrakak/picld/diag"
	"koltrakak/picld/internal/term"
	obj "koltrakak/picld/objectformat"
)

const version = "objdump 0.1.0"

// senza puntatori ai metodi String, altrimenti spew stampa come String()
var rawConfig = spew.ConfigState{
	Indent:                  "  ",
	DisableMethods:          true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
	MaxDepth:                6,
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("objdump: ")

	raw := flag.Bool("raw", false, "stampa le strutture così come le ho parsate")
	showVersion := flag.Bool("version", false, "stampa la versione ed esce")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if flag.NArg() != 1 {
		log.Fatal("ho bisogno di un file oggetto come argomento")
	}

	path := flag.Arg(0)
	content, err := os.ReadFile(path)
	if err != nil {
		log.Fatalln(err)
	}

	sink := diag.New()
	dump(os.Stdout, path, content, *raw, sink)
	// gli errori di formato non cambiano l'exit code
	if err := sink.Report(os.Stderr, term.Stderr() && env.Str("NO_COLOR") == ""); err != nil {
		log.Fatalln(err)
	}
}

func dump(w io.Writer, path string, content []byte, raw bool, sink *diag.Sink) {
	if archive.IsContainer(content) {
		for _, m := range archive.Extract(path, content, sink) {
			name := archive.MemberFilename(path, m.Name)
			fmt.Fprintf(w, "\n%s:\n", name)
			dumpObject(w, name, m.Content, raw, sink)
		}
		return
	}
	dumpObject(w, path, content, raw, sink)
}

func dumpObject(w io.Writer, name string, content []byte, raw bool, sink *diag.Sink) {
	o, err := obj.Parse(name, content)
	sink.RecordError(err)
	if o == nil {
		return
	}
	// anche un oggetto parziale è utile da vedere
	if raw {
		rawConfig.Fdump(w, o)
		return
	}
	fmt.Fprint(w, o)
}
