package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudharness/commander/models"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the canonical handoff template",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := models.TemplateHandoff("Project Name", "manual").Marshal()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
