package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/patientline/internal/validation"
)

func init() {
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate <file|->",
	Short: "Check a patient record JSON file against the registration rules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			raw []byte
			err error
		)
		if args[0] == "-" {
			raw, err = io.ReadAll(os.Stdin)
		} else {
			raw, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read record: %w", err)
		}

		rec, err := validation.DecodePatient(raw)
		if err != nil {
			return err
		}
		validator, err := newValidator(loadConfig())
		if err != nil {
			return fmt.Errorf("create validator: %w", err)
		}
		if errs := validator.Validate(rec); errs != nil {
			for _, e := range errs {
				fmt.Fprintf(os.Stdout, "%s: %s\n", e.Path, e.Message)
			}
			return fmt.Errorf("%d field(s) invalid", len(errs))
		}
		fmt.Fprintln(os.Stdout, "Record is valid.")
		return nil
	},
}
