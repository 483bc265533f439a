package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stackur/pkg/config"
	"github.com/openfroyo/stackur/pkg/telemetry"
)

// watchDebounce collapses the burst of events editors produce on save.
const watchDebounce = 500 * time.Millisecond

func newWatchCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Commit the stack whenever the manifest changes",
		Long: `Commit the stack once, then again each time the manifest file is
saved. Policy files are reloaded as they change.

Stages removed from the manifest are deleted from the stack on the next
commit. Connection and engine settings (region, credentials, journal, poll
interval, capabilities) are read once at start; restart watch after
changing them.`,
		Example: `  stackur watch --yes`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := openEnv(ctx, envOptions{autoApprove: autoApprove})
			if err != nil {
				return err
			}
			defer e.Close(ctx)
			ctx = e.log.WithContext(ctx)

			e.tel.StartMetricsServer()

			if len(e.manifest.Policies) > 0 {
				if err := e.policies.Watch(ctx, e.manifest.Policies); err != nil {
					return err
				}
			}

			commit := func() {
				defer func() {
					if err := e.tel.Tracer.ForceFlush(ctx); err != nil {
						e.log.WithError(err).Warn("Failed to flush spans")
					}
				}()
				if err := e.stack.Commit(ctx); err != nil {
					e.log.WithError(explain(err)).Error("Commit failed")
					return
				}
				e.prune(ctx)
				if err := printUnits(cmd.OutOrStdout(), e.stack); err != nil {
					e.log.WithError(err).Warn("Failed to print units")
				}
			}
			commit()

			return watchManifest(ctx, configPath, func() {
				m, err := config.Load(configPath)
				if err != nil {
					e.log.WithError(err).Error("Manifest rejected, keeping the previous one")
					return
				}
				if m.Stack != e.manifest.Stack {
					e.log.WithField("new_stack", m.Stack).Error("Manifest renames the stack; restart watch to switch stacks")
					return
				}
				removed := e.reload(m)
				e.log.WithField("removed", len(removed)).Info("Manifest reloaded")
				commit()
			})
		},
	}

	cmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "execute change sets without asking")

	return cmd
}

// watchManifest calls onChange after each burst of writes to path until ctx
// is done. The parent directory is watched so editors that replace the file
// on save are followed.
func watchManifest(ctx context.Context, path string, onChange func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve manifest path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	log := telemetry.FromContext(ctx).WithField("manifest", abs)
	log.Info("Watching manifest for changes")

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(watchDebounce)
			fire = timer.C

		case <-fire:
			fire = nil
			log.Debug("Manifest changed")
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}
