//go:build !linux

package segment

import "os"

// Dir returns the directory holding segment backing files. Without a
// tmpfs mount point the temp directory is the closest portable analog;
// MAP_SHARED file mappings give the same cross-process visibility.
func Dir() string {
	return os.TempDir()
}
