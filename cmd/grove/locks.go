package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Manage advisory locks",
}

var locksSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired advisory locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildService(cmd.Context())
		if err != nil {
			return err
		}
		removed, err := svc.SweepExpiredLocks(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("removed %d expired lock(s)\n", removed)
		return nil
	},
}

func init() {
	locksCmd.AddCommand(locksSweepCmd)
}
