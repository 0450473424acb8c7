// Command grove is the operational CLI: validate and apply schema files,
// inspect entities, and run the background dirty-entity processor against
// a repository configured through the environment.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "grove",
	Short: "Structured content repository tooling",
	Long:  `Operational tooling for the grove content repository: schema management, entity inspection and background processing.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(entityCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(locksCmd)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
