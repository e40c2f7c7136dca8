package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/slipway-dev/slipway/internal/builder"
	"github.com/slipway-dev/slipway/internal/engine"
	"github.com/slipway-dev/slipway/internal/image"
	"github.com/slipway-dev/slipway/internal/platform"
	"github.com/slipway-dev/slipway/internal/registry"
	"github.com/slipway-dev/slipway/internal/util"
)

// newBuilder wires the real engine and registry client; a var so command
// tests can substitute fakes.
var newBuilder = func(cfg builder.Config) *builder.Builder {
	eng := engine.NewDockerEngine()
	return builder.New(cfg, eng, eng, registry.NewCraneClient())
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build an image for one or more platforms.",
	Long: `Build an image for one or more platforms through an intermediate
registry and optionally publish the result as a manifest list.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		platformsFlag, _ := cmd.Flags().GetString("platform")
		path, _ := cmd.Flags().GetString("path")
		dockerfile, _ := cmd.Flags().GetString("file")
		target, _ := cmd.Flags().GetString("target")
		parallel, _ := cmd.Flags().GetBool("parallel")
		buildArgFlags, _ := cmd.Flags().GetStringArray("build-arg")
		injectFlags, _ := cmd.Flags().GetStringArray("inject")
		cache, _ := cmd.Flags().GetBool("cache")
		pull, _ := cmd.Flags().GetBool("pull")
		pushRepo, _ := cmd.Flags().GetString("push")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		tagNative, _ := cmd.Flags().GetBool("tag-native")

		platforms, err := parsePlatforms(platformsFlag)
		if err != nil {
			return err
		}
		buildArgs, err := parseKeyValues(buildArgFlags, "=")
		if err != nil {
			return err
		}
		inject, err := parseKeyValues(injectFlags, ":")
		if err != nil {
			return err
		}

		b := newBuilder(loadConfig())
		ctx := cmd.Context()
		defer b.Close(ctx)

		group, err := b.Build(ctx, builder.BuildRequest{
			Platforms:  platforms,
			Path:       path,
			Dockerfile: dockerfile,
			Target:     target,
			Parallel:   parallel,
			BuildArgs:  buildArgs,
			Inject:     inject,
			Cache:      cache,
			Pull:       pull,
		})
		if err != nil {
			return err
		}

		if pushRepo != "" {
			group.AddTaggedImage(pushRepo, tags)
			if tagNative {
				if err := b.TagNative(ctx, group); err != nil {
					return err
				}
			} else if err := b.Push(ctx, group); err != nil {
				return err
			}
		}

		return writeBuildResult(group)
	},
}

func parsePlatforms(flag string) ([]string, error) {
	var platforms []string
	for _, p := range strings.Split(flag, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		normalized, err := platform.Parse(p)
		if err != nil {
			return nil, err
		}
		platforms = append(platforms, normalized)
	}
	if len(platforms) == 0 {
		platforms = []string{platform.Native()}
	}
	return platforms, nil
}

func parseKeyValues(flags []string, sep string) (map[string]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(flags))
	for _, f := range flags {
		parts := strings.SplitN(f, sep, 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid value %q, expected KEY%sVALUE", f, sep)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

func writeBuildResult(group *image.BuiltImage) error {
	res := &util.BuildResult{ID: group.ID}
	for _, img := range group.PlatformImages() {
		res.Builds = append(res.Builds, util.BuildEntry{
			Platform: img.Platform,
			Ref:      img.Ref(),
			Digest:   img.Digest.String(),
		})
	}
	return util.WriteBuildResult("", res)
}

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().String("platform", "", "Target platforms, comma separated (e.g. linux/amd64,linux/arm64)")
	buildCmd.Flags().String("path", "", "Build context directory (defaults to the Dockerfile's directory)")
	buildCmd.Flags().StringP("file", "f", "", "Path to the Dockerfile")
	buildCmd.Flags().String("target", "", "Dockerfile target stage")
	buildCmd.Flags().Bool("parallel", true, "Build platforms in parallel")
	buildCmd.Flags().StringArray("build-arg", nil, "Build arguments (KEY=VALUE)")
	buildCmd.Flags().StringArray("inject", nil, "Files to inject into the build context (SRC:DEST)")
	buildCmd.Flags().Bool("cache", false, "Apply per-builder cache-from/cache-to overrides")
	buildCmd.Flags().Bool("pull", false, "Always pull base images")
	buildCmd.Flags().String("push", "", "Repository to publish the manifest list to")
	buildCmd.Flags().StringSlice("tag", []string{"latest"}, "Tags to publish under (with --push)")
	buildCmd.Flags().Bool("tag-native", false, "Tag the native platform image locally instead of pushing a manifest list")
}
