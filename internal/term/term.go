// Package term dice se un file descriptor è un terminale, per decidere se
// colorare i messaggi
package term

import "os"

// IsTerminal è vero se fd è collegato a un terminale
func IsTerminal(fd uintptr) bool {
	return isTerminal(int(fd))
}

// Stderr è il caso che interessa ai comandi
func Stderr() bool {
	return IsTerminal(os.Stderr.Fd())
}
