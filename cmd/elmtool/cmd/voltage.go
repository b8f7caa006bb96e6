package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roffe/goelm/pkg/session"
)

func init() {
	rootCmd.AddCommand(voltageCmd)
}

var voltageCmd = &cobra.Command{
	Use:   "voltage",
	Short: "read the vehicle battery voltage",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ch, err := initChannel(cmd)
		if err != nil {
			return err
		}
		defer ch.Close()

		s := session.New(ch, session.Config{Logger: log})
		if err := s.Connect(cmd.Context()); err != nil {
			return err
		}
		defer s.Disconnect(cmd.Context())

		v, err := s.ReadVoltage(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	},
}
