package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/fiberhive/oltpoll/poll"
)

// OltsCmd manages OLT devices
var OltsCmd = &cobra.Command{
	Use:   "olts",
	Short: "Manage OLT devices",
	Long: `List, register, enable, and disable OLT devices.

Examples:
  oltpoll olts ls
  oltpoll olts add --name lab1 --host 10.0.0.5 --vendor huawei --model MA5800
  oltpoll olts disable <olt-id>
  oltpoll olts reset-failures <olt-id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var oltsLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List all OLTs",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()

		olts, err := poll.NewOLTStore(database).List(context.Background())
		if err != nil {
			return err
		}

		if len(olts) == 0 {
			pterm.Info.Println("No OLTs registered")
			return nil
		}

		table := pterm.TableData{
			{"ID", "Name", "Host", "Vendor", "Model", "Enabled", "Failures"},
		}
		for _, o := range olts {
			table = append(table, []string{
				short(o.ID),
				o.Name,
				fmt.Sprintf("%s:%d", o.Host, o.SNMPPort),
				o.Vendor,
				o.Model,
				fmt.Sprintf("%t", o.Enabled),
				fmt.Sprintf("%d", o.ConsecutiveFailureCount),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
	},
}

var (
	oltName      string
	oltHost      string
	oltPort      int
	oltCommunity string
	oltVersion   string
	oltVendor    string
	oltModel     string
)

var oltsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register an OLT",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()

		olt := &poll.OLT{
			ID:            uuid.New().String(),
			Name:          oltName,
			Host:          oltHost,
			SNMPPort:      oltPort,
			SNMPCommunity: oltCommunity,
			SNMPVersion:   oltVersion,
			Vendor:        oltVendor,
			Model:         oltModel,
			Enabled:       true,
		}

		if err := poll.NewOLTStore(database).Create(context.Background(), olt); err != nil {
			return err
		}

		pterm.Success.Printf("OLT registered: %s\n", olt.ID)
		pterm.Printf("  Name: %s\n", olt.Name)
		pterm.Printf("  Host: %s:%d (SNMP %s)\n", olt.Host, olt.SNMPPort, olt.SNMPVersion)
		return nil
	},
}

var oltsEnableCmd = &cobra.Command{
	Use:   "enable <olt-id>",
	Short: "Enable an OLT",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setOLTEnabled(args[0], true)
	},
}

var oltsDisableCmd = &cobra.Command{
	Use:   "disable <olt-id>",
	Short: "Disable an OLT (its jobs stop being scheduled)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setOLTEnabled(args[0], false)
	},
}

var oltsResetFailuresCmd = &cobra.Command{
	Use:   "reset-failures <olt-id>",
	Short: "Reset an OLT's consecutive failure counter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()

		if err := poll.NewOLTStore(database).ResetFailureCount(context.Background(), args[0]); err != nil {
			return err
		}
		pterm.Success.Printf("Failure counter reset for %s\n", args[0])
		return nil
	},
}

func setOLTEnabled(oltID string, enabled bool) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	if err := poll.NewOLTStore(database).SetEnabled(context.Background(), oltID, enabled); err != nil {
		return err
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	pterm.Success.Printf("OLT %s %s\n", oltID, state)
	return nil
}

func init() {
	oltsAddCmd.Flags().StringVar(&oltName, "name", "", "Display name (required)")
	oltsAddCmd.Flags().StringVar(&oltHost, "host", "", "Management IP or hostname (required)")
	oltsAddCmd.Flags().IntVar(&oltPort, "port", 0, "SNMP port (default 161)")
	oltsAddCmd.Flags().StringVar(&oltCommunity, "community", "", "SNMP community (default public)")
	oltsAddCmd.Flags().StringVar(&oltVersion, "snmp-version", "", "SNMP version (default 2c)")
	oltsAddCmd.Flags().StringVar(&oltVendor, "vendor", "", "Vendor tag for OID profile resolution")
	oltsAddCmd.Flags().StringVar(&oltModel, "model", "", "Model tag for OID profile resolution")
	oltsAddCmd.MarkFlagRequired("name")
	oltsAddCmd.MarkFlagRequired("host")

	OltsCmd.AddCommand(oltsLsCmd)
	OltsCmd.AddCommand(oltsAddCmd)
	OltsCmd.AddCommand(oltsEnableCmd)
	OltsCmd.AddCommand(oltsDisableCmd)
	OltsCmd.AddCommand(oltsResetFailuresCmd)
}
