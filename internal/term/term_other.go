//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package term

// niente colori dove non so riconoscere un terminale
func isTerminal(fd int) bool {
	return false
}
