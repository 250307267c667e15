package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/curasync/internal/config"
	"github.com/njoerd114/curasync/internal/remote"
)

// PingFunc checks that the remote service at url accepts token.
type PingFunc func(ctx context.Context, url, token string) error

// Wizard guides the user through first-run configuration.
type Wizard struct {
	prompt  *Prompter
	logger  *slog.Logger
	w       io.Writer
	cfgPath string
	ping    PingFunc
}

// NewWizard creates a Wizard that writes the configuration to cfgPath. A nil
// ping uses the remote client's health check.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger, cfgPath string, ping PingFunc) *Wizard {
	if ping == nil {
		ping = PingRemote
	}
	return &Wizard{
		prompt:  NewPrompter(r, w),
		logger:  logger,
		w:       w,
		cfgPath: cfgPath,
		ping:    ping,
	}
}

// PingRemote performs a single authenticated health check against url.
func PingRemote(ctx context.Context, url, token string) error {
	c, err := remote.New(url, token, remote.WithMaxAttempts(1), remote.WithTimeout(10*time.Second))
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}

// Run executes the interactive setup wizard: remote connection, sync tuning,
// then saving the configuration.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to curasync setup!\n")
	fmt.Fprintf(wiz.w, "This wizard connects the local record store to your remote service.\n\n")

	if _, statErr := os.Stat(wiz.cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: remote service.
	fmt.Fprintf(wiz.w, "Step 1/3: Remote Service\n")

	remoteURL := wiz.prompt.String("Remote URL", "http://localhost:8080")
	token := wiz.prompt.Secret("Access token")

	fmt.Fprintf(wiz.w, "  Checking the remote service...")
	if err := wiz.ping(ctx, remoteURL, token); err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		wiz.logger.Warn("remote health check failed", "url", remoteURL, "error", err)
		fmt.Fprintf(wiz.w, "  %v\n", err)
		if !wiz.prompt.Confirm("Save the configuration anyway (it works offline)?", false) {
			return fmt.Errorf("cannot reach the remote service: %w\n\n  Check the URL and token, then try again", err)
		}
	} else {
		fmt.Fprintf(wiz.w, " ✓\n")
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 2: sync tuning.
	fmt.Fprintf(wiz.w, "Step 2/3: Sync Settings\n")

	presets := []time.Duration{30 * time.Second, time.Minute, 5 * time.Minute, 15 * time.Minute}
	options := make([]string, 0, len(presets)+1)
	for _, d := range presets {
		label := d.String()
		if d == config.DefaultSyncInterval {
			label += " (recommended)"
		}
		options = append(options, label)
	}
	options = append(options, "custom")

	interval := config.DefaultSyncInterval
	idx, err := wiz.prompt.Select("How often should pending changes be pushed?", options)
	switch {
	case err != nil:
		fmt.Fprintf(wiz.w, "  (no choice, using %s)\n", interval)
	case idx < len(presets):
		interval = presets[idx]
	default:
		interval = wiz.prompt.Duration("Sync interval", config.DefaultSyncInterval,
			config.MinSyncInterval, config.MaxSyncInterval)
	}

	batch := wiz.prompt.Int("Records per pull page", config.DefaultBatchSize, 1, config.MaxBatchSize)
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: save.
	fmt.Fprintf(wiz.w, "Step 3/3: Save Configuration\n")

	cfg := &config.Config{
		RemoteURL:    remoteURL,
		RemoteToken:  token,
		SyncInterval: interval,
		BatchSize:    batch,
	}
	if err := cfg.Write(wiz.cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", wiz.cfgPath)

	fmt.Fprintf(wiz.w, "Setup complete!\n")
	fmt.Fprintf(wiz.w, "  Run now:    curasync daemon\n")
	fmt.Fprintf(wiz.w, "  One pass:   curasync sync-once\n")
	fmt.Fprintf(wiz.w, "  Status:     curasync status\n\n")
	return nil
}
