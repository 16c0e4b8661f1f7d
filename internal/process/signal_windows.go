//go:build windows

package process

import "os"

// killTree terminates the process. Windows has no group kill without a job
// object; helpers spawned by the extension are not tracked.
func killTree(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

func exitSignal(*os.ProcessState) string { return "" }
