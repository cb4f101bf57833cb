package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/country-content-importer/internal/progress"
)

func newProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Inspects or clears the resumption state",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Prints completed entities and units as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tracker, err := loadTracker(cmd)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(tracker.Snapshot(), "", "  ")
			if err != nil {
				return fmt.Errorf("encode progress: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Deletes the progress file so the next import starts over",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tracker, err := loadTracker(cmd)
			if err != nil {
				return err
			}
			if err := tracker.Reset(); err != nil {
				return fmt.Errorf("reset progress: %w", err)
			}
			app, _ := resolveApp(cmd.Context())
			app.Logger.Info("progress reset", zap.String("path", tracker.Path()))
			return nil
		},
	})
	return cmd
}

func loadTracker(cmd *cobra.Command) (*progress.Tracker, error) {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return nil, err
	}
	tracker := progress.New(progress.Config{
		Path:      app.Config.Progress.Path,
		SaveEvery: app.Config.Progress.SaveEvery,
		Logger:    app.Logger.Named("progress"),
	})
	tracker.Load()
	return tracker, nil
}
