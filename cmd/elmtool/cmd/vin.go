package cmd

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roffe/goelm/pkg/vin"
)

func init() {
	rootCmd.AddCommand(vinCmd)
}

var vinCmd = &cobra.Command{
	Use:   "vin",
	Short: "read the vehicle identification number",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ch, err := initChannel(cmd)
		if err != nil {
			return err
		}
		defer ch.Close()

		r := vin.NewReader(ch, vin.Config{Logger: log})
		got, err := r.Read(cmd.Context())
		if errors.Is(err, vin.ErrInvalidVIN) {
			color.Yellow("vehicle reported a malformed VIN: %s", got)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("VIN: %s\n", color.GreenString(got))
		return nil
	},
}
