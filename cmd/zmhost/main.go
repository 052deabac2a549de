// zmhost runs one monitor's plugin pipeline: it loads a declarative
// pipeline description, assembles the stage topology, and runs it until
// interrupted.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zmkit/zmhost/internal/descriptor"
	"github.com/zmkit/zmhost/internal/pipeline"

	// Built-in stages register themselves by kind name.
	_ "github.com/zmkit/zmhost/internal/stages/logsink"
	_ "github.com/zmkit/zmhost/internal/stages/motion"
	_ "github.com/zmkit/zmhost/internal/stages/rtspin"
	_ "github.com/zmkit/zmhost/internal/stages/store"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		pipelineFile string
		pipelinesDir string
		configFile   string
		debug        bool
	)

	cmd := &cobra.Command{
		Use:           "zmhost",
		Short:         "Plugin pipeline host for a single monitor",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if debug || os.Getenv("DEBUG") != "" {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			v, err := loadConfig(configFile)
			if err != nil {
				return err
			}

			if pipelineFile == "" && pipelinesDir != "" {
				pipelineFile, err = descriptor.FindInDir(pipelinesDir)
				if err != nil {
					return err
				}
				slog.Info("using pipeline", "file", pipelineFile)
			}
			if pipelineFile == "" {
				return fmt.Errorf("one of --pipeline or --pipelines-dir is required")
			}

			return run(pipelineFile, v)
		},
	}

	cmd.Flags().StringVar(&pipelineFile, "pipeline", "", "pipeline description (.json, or legacy .db)")
	cmd.Flags().StringVar(&pipelinesDir, "pipelines-dir", "", "directory holding pipeline JSON files")
	cmd.Flags().StringVar(&configFile, "config", "", "host config file")
	cmd.Flags().IntP("monitor-id", "m", 0, "monitor id")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	_ = viper.BindPFlag("monitor_id", cmd.Flags().Lookup("monitor-id"))

	return cmd
}

// loadConfig wires the host-level knobs: defaults, an optional config
// file, and ZMHOST_* environment overrides. Per-stage configuration never
// passes through here; it rides in the pipeline description.
func loadConfig(configFile string) (*viper.Viper, error) {
	v := viper.GetViper()
	v.SetDefault("ring.slots", pipeline.DefaultRingSlots)
	v.SetDefault("ring.slot_bytes", pipeline.DefaultRingSlotBytes)
	v.SetDefault("monitor_id", 0)
	v.SetDefault("plugins_dir", pipeline.DefaultPluginsDir)
	v.SetDefault("drop_report_interval", pipeline.DefaultDropReportInterval)

	v.SetEnvPrefix("ZMHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Info("config loaded", "file", v.ConfigFileUsed())
	}
	return v, nil
}

func run(pipelineFile string, v *viper.Viper) error {
	monitorID := v.GetInt("monitor_id")

	entries, err := descriptor.LoadFile(pipelineFile, monitorID)
	if err != nil {
		return err
	}

	p, err := pipeline.Assemble(entries, pipeline.Config{
		RingSlots:          v.GetInt("ring.slots"),
		RingSlotBytes:      v.GetInt("ring.slot_bytes"),
		PluginsDir:         v.GetString("plugins_dir"),
		MonitorID:          monitorID,
		DropReportInterval: v.GetDuration("drop_report_interval"),
	})
	if err != nil {
		return err
	}

	if err := p.Start(); err != nil {
		return err
	}
	slog.Info("zmhost running",
		"version", version,
		"pipeline", pipelineFile,
		"monitor", monitorID,
		"sinks", p.SinkCount(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(30 * time.Second):
		return fmt.Errorf("pipeline did not stop in time")
	}
	return nil
}
