//go:build unix

package config

import (
	"fmt"
	"os"
)

// checkFilePermissions warns when a config holding warehouse or object store
// credentials is readable by group or others.
func checkFilePermissions(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}

	mode := info.Mode().Perm()
	if mode&0077 == 0 {
		return ""
	}
	return fmt.Sprintf(
		"WARNING: Config file '%s' has insecure permissions (%04o)\n"+
			"         Warehouse passwords and S3 keys may be readable by other users.\n"+
			"         Run: chmod 600 %s\n\n",
		path, mode, path,
	)
}
