//go:build !linux

package hotfolder

// openForWriting is only implemented on Linux; elsewhere the debounce
// alone decides when a file is complete.
func openForWriting(string) bool {
	return false
}
