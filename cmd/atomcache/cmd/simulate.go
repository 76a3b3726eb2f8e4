package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/unkn0wn-root/atomcache"
	asynchook "github.com/unkn0wn-root/atomcache/hooks/async"
	"github.com/unkn0wn-root/atomcache/internal/sim"
	zaplog "github.com/unkn0wn-root/atomcache/log/zap"
	"github.com/unkn0wn-root/atomcache/sloghooks"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run every engine against a fake backend",
	Long:  "Issues concurrent queries, renewals, actions and stream subscriptions and prints backend invocation counts.",
	Args:  cobra.NoArgs,
	RunE:  runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	f := simulateCmd.Flags()
	f.Duration("window", atomcache.DefaultWindow, "composition debounce window")
	f.Int("items", 12, "distinct items requested through the composition")
	f.Int("callers", 8, "concurrent callers per scenario")
	f.Duration("latency", 20*time.Millisecond, "fake backend latency")

	for _, name := range []string{"window", "items", "callers", "latency"} {
		viper.BindPFlag(name, f.Lookup(name))
	}
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	zl, err := newLogger()
	if err != nil {
		return err
	}
	defer zl.Sync()

	hooks := asynchook.New(sloghooks.New(slog.Default(), sloghooks.Options{LogBatches: true}), 1, 256)
	defer hooks.Close()

	rep, err := sim.Run(cmd.Context(), sim.Config{
		Window:  viper.GetDuration("window"),
		Items:   viper.GetInt("items"),
		Callers: viper.GetInt("callers"),
		Latency: viper.GetDuration("latency"),
		Logger:  zaplog.New(zl),
		Hooks:   hooks,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), rep)
	return nil
}
