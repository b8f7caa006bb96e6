package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roffe/goelm"
	"github.com/roffe/goelm/pkg/bar"
	"github.com/roffe/goelm/pkg/session"
)

func init() {
	rootCmd.AddCommand(detectCmd)
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "connect and report the detected protocol and ECUs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ch, err := initChannel(cmd)
		if err != nil {
			return err
		}
		defer ch.Close()

		// Initializing, DetectingProtocol, EcuDetecting, Connected.
		pb := bar.New(4, "connecting")
		s := session.New(ch, session.Config{
			Logger: log,
			OnStatus: func(st goelm.Status) {
				pb.Describe(st.String())
				pb.Add(1)
			},
		})
		defer s.Disconnect(cmd.Context())

		if err := s.Connect(cmd.Context()); err != nil {
			fmt.Println()
			return err
		}
		pb.Finish()
		fmt.Println()

		if s.Demo() {
			color.Cyan("connected to a simulated adapter")
			return nil
		}
		desc, _ := s.Protocol()
		color.Green("protocol: %s (%d-bit headers)", desc.Name, desc.HeaderBits)
		if ecus := s.ECUs(); len(ecus) > 0 {
			fmt.Printf("ECUs: %v (primary %s)\n", ecus, s.PrimaryECU())
		}
		if pids := s.SupportedPIDs(); len(pids) > 0 {
			fmt.Printf("mode 01 PIDs supported: %d of 32\n", len(pids))
		}
		if v, err := s.ReadVoltage(cmd.Context()); err == nil {
			fmt.Printf("battery: %s\n", v)
		}
		return nil
	},
}
