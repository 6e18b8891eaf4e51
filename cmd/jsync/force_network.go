//go:build !production

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/journalsync/internal/ui"
)

func registerForceNetworkFlag(cmd *cobra.Command) {
	cmd.Flags().String("force-network", "", "override connectivity for testing (online|offline)")
}

// applyForceNetwork pins the monitor's reported state. Production builds
// have neither the flag nor the override.
func applyForceNetwork(cmd *cobra.Command, e *engine) error {
	mode, _ := cmd.Flags().GetString("force-network")

	var forced bool
	switch mode {
	case "":
		return nil
	case "online":
		forced = true
	case "offline":
		forced = false
	default:
		return fmt.Errorf("invalid --force-network %q: must be online or offline", mode)
	}

	e.monitor.SetForcedState(&forced)
	fmt.Printf("%s Network forced %s\n", ui.RenderWarn("⚠"), mode)
	return nil
}
