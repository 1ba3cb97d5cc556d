package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/bulwark/internal/validation"
	"github.com/rendis/bulwark/pkg/schema"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a config file",
	Long: `Validates a config document against the config schema and the cross-field
rules, including the policies file it references. Warnings do not fail
validation.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, explicit := "", true
		if len(args) == 1 {
			path = args[0]
		} else {
			flagPath, _ := cmd.Flags().GetString("config")
			path, explicit = resolveConfigPath(flagPath, os.Getenv)
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		result, err := validateFile(path, explicit)
		if err != nil {
			return err
		}
		if err := printResult(cmd.OutOrStdout(), path, result, asJSON); err != nil {
			return err
		}
		if !result.Valid() {
			return fmt.Errorf("%s: %d error(s)", path, len(result.Errors))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().Bool("json", false, "Print the result as JSON")
}

// validateFile checks the config at path and, when it names one, its
// policies file. Environment overrides are not applied.
func validateFile(path string, explicit bool) (*schema.ValidationResult, error) {
	doc, err := readDocument(path, explicit)
	if err != nil {
		return nil, err
	}
	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}

	result := v.ValidateConfig(doc)
	if file, ok := doc["policies_file"].(string); ok && file != "" && result.Valid() {
		raw, err := readPolicyFile(file)
		switch {
		case errors.Is(err, errEmptyPolicyFile):
			result.AddWarning("policies_file", "EMPTY_POLICIES", err.Error())
		case err != nil:
			result.AddError("policies_file", schema.ErrCodeValidation, err.Error())
		default:
			result.Merge(validation.PolicyIssues(raw))
		}
	}
	return result, nil
}

func printResult(w io.Writer, path string, result *schema.ValidationResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	if len(result.Errors) > 0 {
		fmt.Fprintf(w, "%s: invalid\nerrors:\n%s", path, formatIssues(result.Errors))
	} else {
		fmt.Fprintf(w, "%s: ok\n", path)
	}
	if len(result.Warnings) > 0 {
		fmt.Fprintf(w, "warnings:\n%s", formatIssues(result.Warnings))
	}
	return nil
}
