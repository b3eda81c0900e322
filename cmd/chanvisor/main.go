package main

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tvnlabs/chanvisor/internal/log"
	"github.com/tvnlabs/chanvisor/internal/model"
)

var (
	userConfigPath string // /default/config/path/chanvisor on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "chanvisor")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is chanvisor.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().String("ffmpeg", "", "worker binary, overrides supervisor.ffmpeg")
	rootCmd.PersistentFlags().String("log-dir", "", "directory of the per channel logs, overrides supervisor.log_dir")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initChanvisor

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(commandCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("chanvisor failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "chanvisor",
	Short:        "Supervisor of ffmpeg transcoding channels",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run supervises every configured channel until interrupted",
	RunE:  doRun,
}

var startCmd = &cobra.Command{
	Use:   "start CHANNEL",
	Short: "start asks the running supervisor to launch a channel",
	Args:  cobra.ExactArgs(1),
	RunE:  doStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop CHANNEL",
	Short: "stop asks the running supervisor to terminate a channel",
	Args:  cobra.ExactArgs(1),
	RunE:  doStop,
}

var statusCmd = &cobra.Command{
	Use:   "status [CHANNEL...]",
	Short: "status prints the persisted job state",
	RunE:  doStatus,
}

var commandCmd = &cobra.Command{
	Use:   "command CHANNEL",
	Short: "command prints the worker invocation of a channel",
	Args:  cobra.ExactArgs(1),
	RunE:  doCommand,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a chanvisor",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("chanvisor: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("chanvisor: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initChanvisor(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("CHANVISORCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "chanvisor.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var raw []byte
	if configPath == "" {
		// store default configuration
		var err error
		raw, err = writeDefault(filepath.Join(userConfigPath, "chanvisor.yaml"))
		if err != nil {
			return err
		}
	} else {
		var err error
		raw, err = os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
	}

	var err error
	config, err = loadConfig(raw)
	if err != nil {
		return err
	}

	if err := bindViper(cmd, raw); err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		verbose := true
		config.Service.Verbose = &verbose
	}

	// initialize logging
	output := model.LogStderr
	if config.Service.Log != nil {
		output = *config.Service.Log
	}
	verbose := config.Service.Verbose != nil && *config.Service.Verbose
	slog.SetDefault(log.New(verbose, log.Output(output)))

	slog.Debug("chanvisor run", "configPath", configPath)
	slog.Debug("chanvisor run", "channels", len(config.Channels))
	return nil
}

func writeDefault(path string) ([]byte, error) {
	raw, err := yaml.Marshal(model.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("encoding default configuration: %w", err)
	}
	configPath = path
	err = os.MkdirAll(filepath.Dir(configPath), 0755)
	if err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
	}
	if err := os.WriteFile(configPath, raw, 0o644); err != nil {
		return nil, fmt.Errorf("storing configuration: %w", err)
	}
	return raw, nil
}

func loadConfig(raw []byte) (model.Config, error) {
	cfg, err := model.LoadConfig(bytes.NewReader(raw))
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return model.Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return *cfg, nil
}

// bindViper makes the supervisor section overridable by flags and
// CHANVISOR_* variables.
func bindViper(cmd *cobra.Command, raw []byte) error {
	viper.SetConfigType("yaml")
	if err := viper.ReadConfig(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	viper.SetEnvPrefix("CHANVISOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	flags := map[string]string{
		"supervisor.ffmpeg":  "ffmpeg",
		"supervisor.log_dir": "log-dir",
	}
	for key, name := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
