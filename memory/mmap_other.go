//go:build !unix

package memory

// reserveRegion allocates the heap region from the Go heap on systems without
// anonymous mappings.
func reserveRegion(words int) ([]uint64, func() error, error) {
	return make([]uint64, words), func() error { return nil }, nil
}
