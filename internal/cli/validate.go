package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shpitdev/formfill-pipeline/internal/app"
)

var validateFlags struct {
	input    string
	idColumn string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check records against the rule table without submitting anything",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		rules, err := cfg.Rules()
		if err != nil {
			return configError(err)
		}
		invalid, err := app.ValidateFile(cmd.Context(), validateFlags.input, validateFlags.idColumn, rules, cmd.OutOrStdout())
		if err != nil {
			return runError(err)
		}
		if invalid > 0 {
			return runError(fmt.Errorf("%d invalid records", invalid))
		}
		return nil
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print the effective rule table as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		rules, err := cfg.Rules()
		if err != nil {
			return configError(err)
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(rules); err != nil {
			return runError(err)
		}
		return enc.Close()
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateFlags.input, "input", "", "input CSV with a header row (required)")
	validateCmd.Flags().StringVar(&validateFlags.idColumn, "id-column", "id", "column holding record IDs")
	_ = validateCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(validateCmd, rulesCmd)
}
