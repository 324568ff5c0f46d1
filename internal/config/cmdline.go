package config

import "os"

const procCmdlinePath = "/proc/cmdline"

// readProcCmdline returns the kernel command line, or "" if it can't be
// read (non-Linux test environments, sandboxes without /proc).
func readProcCmdline() string {
	b, err := os.ReadFile(procCmdlinePath)
	if err != nil {
		return ""
	}
	return string(b)
}
