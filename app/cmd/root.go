package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	appDesc    = "a QUIC client and server multiplexing connections over one UDP socket"
	appAuthors = "Aperture Internet Laboratory <https://github.com/apernet>"

	envPrefix = "QUICMUX"
)

var (
	// These values will be injected by the build system
	appVersion = "Unknown"
	appDate    = "Unknown"
	appCommit  = "Unknown"

	appVersionLong = fmt.Sprintf("Version:\t%s\nBuildDate:\t%s\nCommitHash:\t%s", appVersion, appDate, appCommit)
)

var logger *zap.Logger

var envKeyReplacer = strings.NewReplacer("-", "_")

// Flags
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "quicmux [options] host port",
	Short:   appDesc,
	Long:    fmt.Sprintf("%s\n%s\n\n%s", appDesc, appAuthors, appVersionLong),
	Version: appVersion,
	Example: "  quicmux -c server.crt -k server.key 0.0.0.0 4433\n  quicmux -V example.com 4433",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return fmt.Errorf("missing host and port")
		}
		return nil
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogger()
	},
	Run:          runMain,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	initFlags()
	cobra.OnInitialize(initConfig)
}

func initFlags() {
	fs := rootCmd.Flags()
	fs.SetNormalizeFunc(normalizeFlagName)
	fs.StringVar(&cfgFile, "config", "", "config file (YAML) holding any of the options below")
	fs.StringP("cert", "c", "", "certificate chain file; with -k runs the server")
	fs.StringP("key", "k", "", "private key file; with -c runs the server")
	fs.StringP("keylog", "l", "", "file to log traffic secrets")
	fs.IntP("initial-rto", "r", 0, "initial RTO (in milliseconds)")
	fs.StringP("stateless-retry", "s", "", "enable stateless retry with this secret (at least 32 bytes)")
	fs.BoolP("verify", "V", false, "verify peer using the default certificates")
	fs.CountP("verbose", "v", "verbose mode (-vv emits packet dumps as well)")
	fs.String("metrics", "", "serve Prometheus metrics on this address")
	fs.String("log-format", "console", "log format (console or json)")
	fs.String("resolve-preference", "", "address family preference: 4, 6, 46 or 64")
	fs.String("recv-buffer", "", "socket receive buffer size (e.g. 4MB)")
	fs.String("send-buffer", "", "socket send buffer size (e.g. 4MB)")
	_ = viper.BindPFlags(fs)
}

// normalizeFlagName accepts underscores in place of dashes (--initial_rto).
func normalizeFlagName(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// initConfig runs before PersistentPreRun, so the file is loaded by the
// time the logger reads verbose and log-format.
func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read config: %s\n", err)
			os.Exit(1)
		}
	}
}

func initLogger() {
	l, err := newLogger(viper.GetInt("verbose"), viper.GetString("log-format"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %s\n", err)
		os.Exit(1)
	}
	logger = l
}

// newLogger builds the logger for the given verbosity: info by default,
// debug from -v on.
func newLogger(verbose int, format string) (*zap.Logger, error) {
	var c zap.Config
	switch strings.ToLower(format) {
	case "", "console":
		c = zap.NewDevelopmentConfig()
		c.DisableStacktrace = true
	case "json":
		c = zap.NewProductionConfig()
	default:
		return nil, configError{Field: "log-format", Err: fmt.Errorf("unsupported log format %q", format)}
	}
	if verbose > 0 {
		c.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		c.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	c.OutputPaths = []string{"stderr"}
	return c.Build()
}
