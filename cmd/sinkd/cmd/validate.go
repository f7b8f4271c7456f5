package cmd

import (
	"fmt"

	"github.com/illmade-knight/go-batchsink/pkg/sinkservice"
	"github.com/spf13/cobra"
)

var cmdValidate = &cobra.Command{
	Use:   "validate",
	Short: "Resolve and check the configuration without connecting to anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		summary, err := sinkservice.Describe(cfg)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %s\n", summary)
		return err
	},
}

func init() {
	cmdRoot.AddCommand(cmdValidate)
}
