package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"

	"github.com/xyproto/env/v2"

	"koltrakak/picld/diag"
	"koltrakak/picld/hexfile"
	"koltrakak/picld/internal/term"
	lnk "koltrakak/picld/linker"
)

const version = "picld 0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run è il corpo del comando, restituisce l'exit code
func run(args []string, stdout, stderr io.Writer) int {
	logger := log.New(stderr, "picld: ", 0)

	fs := flag.NewFlagSet("picld", flag.ContinueOnError)
	fs.SetOutput(stderr)
	output := fs.String("o", "a.hex", "file hex di output")
	processor := fs.String("p", env.Str("PICLD_PROCESSOR"), "processore, sostituisce quello dei file oggetto")
	codeBase := fs.Uint("code-base", 0, "indirizzo da cui parte il codice rilocabile")
	verbose := fs.Bool("v", false, "stampa le tabelle di allocazione e dei simboli")
	showVersion := fs.Bool("version", false, "stampa la versione ed esce")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "uso: picld [opzioni] file.o|lib.a ...\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintln(stdout, version)
		return 0
	}
	if fs.NArg() == 0 {
		fs.Usage()
		logger.Println("ho bisogno di almeno un file oggetto in input")
		return 2
	}
	if *codeBase > math.MaxUint32 {
		logger.Printf("code-base %#x fuori dallo spazio di indirizzamento", *codeBase)
		return 2
	}

	opts := lnk.Options{Processor: *processor, CodeBase: uint32(*codeBase)}
	if *verbose {
		opts.Trace = stdout
	}

	sink := diag.New()
	img, err := lnk.LinkFiles(fs.Args(), sink, opts)
	if rerr := sink.Report(stderr, useColor(stderr)); rerr != nil {
		logger.Println(rerr)
	}
	if err != nil {
		logger.Println(err)
		return 1
	}
	if img == nil {
		// gli errori sono già stati stampati, niente file di output
		return 1
	}

	recordLen := env.Int("PICLD_RECORD_LEN", hexfile.DefaultRecordLen)
	if err := hexfile.WriteFile(*output, img, recordLen); err != nil {
		logger.Println(err)
		return 1
	}
	return 0
}

func useColor(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(f.Fd()) && env.Str("NO_COLOR") == ""
}
