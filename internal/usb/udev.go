package usb

import (
	"os"
	"runtime"
)

// UdevRulePath is where the looper's access rule is expected on Linux.
const UdevRulePath = "/etc/udev/rules.d/99-mooer-looper.rules"

// UdevRuleContent grants unprivileged access to the pedal. Installing
// it requires root and is left to the caller.
const UdevRuleContent = `SUBSYSTEM=="usb", ATTRS{idVendor}=="34db", ATTRS{idProduct}=="0008", MODE="0666", TAG+="uaccess"
`

// NeedsUdevRule reports whether the rule file is missing. Only Linux
// gates device access through udev; other platforms never need it.
func NeedsUdevRule() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	_, err := os.Stat(UdevRulePath)
	return os.IsNotExist(err)
}
