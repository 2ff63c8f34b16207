package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/abdon-gadgets/merge-jwl/internal/config"
	"github.com/abdon-gadgets/merge-jwl/internal/merge"
	"github.com/abdon-gadgets/merge-jwl/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMergeCommand(root *rootOptions) *cobra.Command {
	var (
		outputDir  string
		modulePath string
	)

	cmd := &cobra.Command{
		Use:   "merge <backup.jwlibrary> <backup.jwlibrary> [...]",
		Short: "Merge backups into a new .jwlibrary file",
		Long: `Merge two or more .jwlibrary backups.

The merged backup is written to the output directory under the name the
module chooses, e.g. UserDataBackup_2024-03-05_Merge.jwlibrary.

Examples:
  merge-jwl merge phone.jwlibrary tablet.jwlibrary
  merge-jwl merge a.jwlibrary b.jwlibrary c.jwlibrary -o ~/Backups`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(cmd, root, args, outputDir, modulePath)
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "directory for the merged backup (default: output_dir from config)")
	cmd.Flags().StringVarP(&modulePath, "module", "m", "", "module bundle directory or .wasm file (default: module_path from config)")

	return cmd
}

func runMerge(cmd *cobra.Command, root *rootOptions, paths []string, outputDir, modulePath string) error {
	cfg, err := config.Load(root.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if root.logLevel != "" {
		cfg.LogLevel = root.logLevel
	}
	if outputDir != "" {
		cfg.OutputDir = outputDir
	}
	if modulePath != "" {
		cfg.ModulePath = modulePath
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	defer logger.Sync()

	logger.Info("Starting merge-jwl",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("inputs", len(paths)),
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	svc, err := service.NewService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close(context.WithoutCancel(ctx))

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render("Merging "+fmt.Sprint(len(paths))+" backups"))

	res, err := svc.Merge(ctx, paths, func(m merge.Milestone) {
		fmt.Fprintln(out, renderMilestone(m))
	})
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), renderError(err))
		return err
	}
	defer res.Release()

	fmt.Fprint(out, renderMessages(res.Messages))

	if res.File == nil {
		fmt.Fprintln(out, warningStyle.Render("No merged backup was produced."))
		return nil
	}

	saved, err := res.SaveTo(cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to save merged backup: %w", err)
	}
	fmt.Fprintln(out, renderSaved(saved, res.File.Size()))
	return nil
}
