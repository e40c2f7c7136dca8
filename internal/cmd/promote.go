package cmd

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/spf13/cobra"

	"github.com/slipway-dev/slipway/internal/util"
)

// craneCopy is a var so tests can avoid real registry traffic.
var craneCopy = crane.Copy

var promoteCmd = &cobra.Command{
	Use:   "promote <dest-repo>",
	Short: "Copy the last built image to another repository.",
	Long: `Copy the image recorded in build_result.json to another repository,
registry to registry, without pulling it locally.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		buildResultDir, _ := cmd.Flags().GetString("build-result-dir")

		res, err := util.ReadBuildResult(buildResultDir)
		if err != nil {
			return fmt.Errorf("reading %s: %w", util.BuildResultFilename, err)
		}
		src, err := res.FirstRef()
		if err != nil {
			return err
		}

		dest := args[0]
		fmt.Fprintf(cmd.OutOrStdout(), "Promoting %s -> %s\n", src, dest)
		if err := craneCopy(src, dest); err != nil {
			return fmt.Errorf("promoting %s: %w", src, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(promoteCmd)
	promoteCmd.Flags().String("build-result-dir", "", "Directory containing build_result.json")
}
