package app

import (
	"errors"

	intrnl "wispchat/internal"
)

// RunClient launches the Bubble Tea TUI with the provided configuration.
func RunClient(cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	return intrnl.RunClientTUI(cfg.ServerURL, cfg.RoomKey, cfg.Nickname)
}
