package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/Pulse/internal/console"
	"github.com/CZERTAINLY/Pulse/internal/log"
	"github.com/CZERTAINLY/Pulse/internal/model"
	"github.com/CZERTAINLY/Pulse/internal/service"
	"github.com/CZERTAINLY/Pulse/internal/transport"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/pulse on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagForce          bool   // value of init --force flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "pulse")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is pulse.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	initCmd.Flags().BoolVar(&flagForce, "force", false, "overwrite an existing config file")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse a config, setup logging
	runCmd.PreRunE = initPulse

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)

	err := rootCmd.Execute()
	if cerr := closeLog(); cerr != nil {
		fmt.Fprintf(os.Stderr, "closing log: %v\n", cerr)
	}
	if err != nil {
		slog.Error("pulse failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "pulse",
	Short:        "Tool keeping learning sessions alive",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run command reads the configuration and keeps all enabled jobs connected",
	RunE:  doRun,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "init writes a default configuration",
	RunE:  doInit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a pulse",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("pulse: version info not available")
			return
		}

		if path := discoverConfig(); path != "" {
			fmt.Printf("config: %s\n", path)
		}
		fmt.Printf("pulse:  %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("pulse",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	dialer, err := transport.NewWebSocket(config.Service.Endpoint, config.Service.Headers)
	if err != nil {
		return err
	}
	supervisor, err := service.NewSupervisor(ctx, config, dialer)
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "pulse started", "jobs", len(config.Enabled()), "mode", config.Service.Mode)
	fmt.Print(console.HelpText)
	con := console.New(os.Stdin, os.Stdout, supervisor)
	// stdin may never be closed, the console goroutine ends with the process
	go func() {
		if err := con.Run(ctx); err != nil {
			slog.WarnContext(ctx, "console stopped", "error", err)
		}
	}()

	return supervisor.Do(ctx)
}

func doInit(cmd *cobra.Command, args []string) error {
	path := flagConfigFilePath
	if path == "" {
		path = filepath.Join(userConfigPath, "pulse.yaml")
	}
	if exists(path) && !flagForce {
		return fmt.Errorf("config file %s already exists, use --force to overwrite it", path)
	}

	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	err = enc.Encode(model.DefaultConfig(cmd.Context()))
	if err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	fmt.Printf("default configuration written to %s\n", path)
	return nil
}

func discoverConfig() string {
	if envConfig, ok := os.LookupEnv("PULSECONFIG"); ok {
		return envConfig
	}
	if flagConfigFilePath != "" {
		return flagConfigFilePath
	}
	for _, d := range []string{userConfigPath, "."} {
		path := filepath.Join(d, "pulse.yaml")
		if exists(path) {
			return path
		}
	}
	return ""
}

func initPulse(cmd *cobra.Command, _ []string) error {
	configPath = discoverConfig()
	if configPath == "" {
		return errors.New("no configuration found: run pulse init or use --config")
	}

	f, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	config, err = model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return fmt.Errorf("parsing config: %w", err)
	}
	model.ApplyEnv(&config)

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	w, closeFn, err := log.Output(config.Service.Log)
	if err != nil {
		return fmt.Errorf("opening log output %s: %w", config.Service.Log, err)
	}
	closeLog = closeFn
	slog.SetDefault(log.New(w, config.Service.Verbose))

	slog.Debug("pulse run", "configPath", configPath)
	slog.Debug("pulse run", "mode", config.Service.Mode, "endpoint", config.Service.Endpoint, "jobs", len(config.Jobs))
	return config.Validate()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	return err == nil && info.Mode().IsRegular()
}
