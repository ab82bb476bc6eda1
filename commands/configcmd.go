package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/swarmrun/config"
)

func newConfigCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := rt.resolve()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the user config file with defaults",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.NewLoader(slog.Default()).EnsureUserConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})
	return cmd
}
