//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

var insecureACLPrincipals = []string{
	"everyone",
	"authenticated users",
	"builtin\\users",
}

// checkFilePermissions inspects the file ACL via icacls and warns when a
// broad principal has access.
func checkFilePermissions(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}

	output, err := exec.Command("icacls", path).Output()
	if err != nil {
		return ""
	}

	acl := strings.ToLower(string(output))
	for _, principal := range insecureACLPrincipals {
		if strings.Contains(acl, principal) {
			return fmt.Sprintf(
				"WARNING: Config file '%s' is accessible to %q\n"+
					"         Warehouse passwords and S3 keys may be readable by other users.\n"+
					"         icacls \"%s\" /inheritance:r /grant:r \"%%USERNAME%%:F\"\n\n",
				path, principal, path,
			)
		}
	}
	return ""
}
