/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/allbin/probemon/internal/flash"
	"github.com/spf13/cobra"
)

// packsCmd represents the packs command
var packsCmd = &cobra.Command{
	Use:   "packs",
	Short: "List the CMSIS pack files available for flashing",
	Long: `List the .pack files in the pack directory and show which one a flash
without --pack would use for the configured (or given) target.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		target, _ := cmd.Flags().GetString("target")
		if target == "" {
			target = cfg.Flash.Target
		}

		packs := flash.NewPacks(cfg.Packs.Root)
		names, err := packs.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Printf("No packs in %s\n", cfg.Packs.Root)
			return nil
		}

		chosen := ""
		if path, err := packs.Resolve("", target); err == nil {
			chosen = filepath.Base(path)
		}
		for _, name := range names {
			marker := " "
			if name == chosen {
				marker = "*"
			}
			fmt.Printf("%s %s\n", marker, name)
		}
		fmt.Printf("\nTarget %s (family %s)\n", target, flash.Family(target))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(packsCmd)

	packsCmd.Flags().StringP("target", "t", "", "pyOCD target to match packs against")
}
