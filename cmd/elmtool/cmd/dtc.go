package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roffe/goelm/pkg/dtc"
)

func init() {
	dtcCmd.Flags().Bool("pending", false, "read pending codes (mode 07)")
	dtcCmd.Flags().Bool("permanent", false, "read permanent codes (mode 0A)")
	dtcCmd.AddCommand(dtcClearCmd)
	rootCmd.AddCommand(dtcCmd)
}

var dtcCmd = &cobra.Command{
	Use:   "dtc",
	Short: "read diagnostic trouble codes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		mode := dtc.ModeCurrent
		if v, _ := cmd.Flags().GetBool("pending"); v {
			mode = dtc.ModePending
		}
		if v, _ := cmd.Flags().GetBool("permanent"); v {
			mode = dtc.ModePermanent
		}

		ch, err := initChannel(cmd)
		if err != nil {
			return err
		}
		defer ch.Close()

		r := dtc.NewReader(ch, dtc.Config{Logger: log})
		codes, err := r.Read(cmd.Context(), mode)
		if err != nil {
			return err
		}
		if len(codes) == 0 {
			color.Green("no %s trouble codes stored", mode)
			return nil
		}
		color.Red("%d %s trouble code(s):", len(codes), mode)
		for _, c := range codes {
			if c.ECU != "" {
				fmt.Printf("  %s  (ECU %s)\n", color.YellowString(c.Code), c.ECU)
			} else {
				fmt.Printf("  %s\n", color.YellowString(c.Code))
			}
		}
		return nil
	},
}

var dtcClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "clear stored trouble codes and verify",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ch, err := initChannel(cmd)
		if err != nil {
			return err
		}
		defer ch.Close()

		r := dtc.NewReader(ch, dtc.Config{Logger: log})
		if err := r.Clear(cmd.Context()); err != nil {
			return err
		}
		color.Green("trouble codes cleared")
		return nil
	},
}
