package linker

import "strings"

// Processor contiene quello che il linker deve sapere di un PIC
type Processor struct {
	Name          string
	ProgramMemory uint32 // byte di flash
	RAM           uint32 // byte di RAM, SFR esclusi
	Access        uint32 // byte di access RAM all'inizio della memoria dati
}

// Da ConfigSpaceStart in su lo spazio programma non è flash ma ID,
// configurazione ed EEPROM: ci vanno solo sezioni assolute
const ConfigSpaceStart uint32 = 0x200000

var processors = map[string]Processor{
	"18f2550": {
		Name:          "18f2550",
		ProgramMemory: 0x8000,
		RAM:           0x800,
		Access:        0x60,
	},
	"18f26j13": {
		Name:          "18f26j13",
		ProgramMemory: 0x10000,
		RAM:           0xeb0,
		Access:        0x60,
	},
}

// LookupProcessor cerca un processore per nome, senza badare alle maiuscole
func LookupProcessor(name string) (Processor, bool) {
	p, ok := processors[strings.TrimPrefix(strings.ToLower(name), "pic")]
	return p, ok
}
