//go:build production

package main

import "github.com/spf13/cobra"

func registerForceNetworkFlag(*cobra.Command) {}

func applyForceNetwork(*cobra.Command, *engine) error { return nil }
