package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/slipway-dev/slipway/internal/builder"
	"github.com/slipway-dev/slipway/internal/engine"
	"github.com/slipway-dev/slipway/internal/registry"
)

var startRegistryCmd = &cobra.Command{
	Use:   "start-registry",
	Short: "Start a local registry container on an ephemeral port.",
	RunE: func(cmd *cobra.Command, args []string) error {
		image, _ := cmd.Flags().GetString("image")
		if image == "" {
			image = viper.GetString("registry_image")
		}

		eph := registry.NewEphemeral(image, engine.NewDockerEngine(), builder.DetectInContainer())
		if err := eph.Start(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registry started at %s\n", eph.Address())
		return nil
	},
}

var stopRegistryCmd = &cobra.Command{
	Use:   "stop-registry",
	Short: "Stop local registry containers started by slipway.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng := engine.NewDockerEngine()
		containers, err := eng.List(ctx, registry.ContainerNamePrefix)
		if err != nil {
			return err
		}
		if len(containers) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No registry containers found.")
			return nil
		}
		for _, c := range containers {
			if err := eng.Remove(ctx, c.Name, true, true); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", c.Name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startRegistryCmd)
	rootCmd.AddCommand(stopRegistryCmd)
	startRegistryCmd.Flags().String("image", "", "Registry image to use")
}
