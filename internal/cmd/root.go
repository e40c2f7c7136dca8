package cmd

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/slipway-dev/slipway/internal/builder"
	"github.com/slipway-dev/slipway/internal/util"
)

var rootCmd = &cobra.Command{
	Use:           "slipway",
	Short:         "Build, tag and publish multi-platform container images.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
}

func initConfig() {
	viper.SetEnvPrefix("SLIPWAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(".slipway")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	// A missing config file is fine; env vars and defaults still apply.
	_ = viper.ReadInConfig()

	viper.SetDefault("registry_image", "registry:2")

	if v, _ := rootCmd.PersistentFlags().GetBool("verbose"); v {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

// loadConfig resolves the typed builder configuration once, from env,
// config file and the .registry file.
func loadConfig() builder.Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return builder.Config{
		BuildRegistry:        viper.GetString("build_registry"),
		DefaultRegistry:      util.ResolveDefaultRegistry(cwd),
		RegistryImage:        viper.GetString("registry_image"),
		DisableMultiPlatform: viper.GetBool("disable_multi_platform"),
		PlatformBuilders:     viper.GetStringMapString("platform_builders"),
		CacheBuilders:        viper.GetStringSlice("cache_builders"),
		CacheFrom:            viper.GetStringMapString("cache_from"),
		CacheTo:              viper.GetStringMapString("cache_to"),
		InContainer:          builder.DetectInContainer(),
	}
}
