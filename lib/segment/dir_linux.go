//go:build linux

package segment

// Dir returns the directory holding segment backing files. Files under
// /dev/shm live in tmpfs, so segments never touch a disk.
func Dir() string {
	return "/dev/shm"
}
