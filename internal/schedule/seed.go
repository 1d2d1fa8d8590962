package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk layout of an action seed file.
type seedFile struct {
	Actions []seedAction `yaml:"actions"`
}

type seedAction struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Prompt      string   `yaml:"prompt"`
	Cron        string   `yaml:"cron"`
	Permissions []string `yaml:"permissions"`
	Enabled     *bool    `yaml:"enabled"`
	MaxRetries  int      `yaml:"max_retries"`
}

// ImportSeedFile loads scheduled actions from a YAML file and upserts them
// by name. Existing actions are updated in place so edits to the seed file
// take effect on restart; actions created through the API are left alone.
func ImportSeedFile(ctx context.Context, store *Store, path string, log *slog.Logger) error {
	if store == nil {
		return errors.New("nil store")
	}
	if log == nil {
		log = slog.Default()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("missing seed file path")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	for i, seed := range file.Actions {
		action := Action{
			Name:        strings.TrimSpace(seed.Name),
			Description: strings.TrimSpace(seed.Description),
			Prompt:      strings.TrimSpace(seed.Prompt),
			CronExpr:    strings.TrimSpace(seed.Cron),
			Permissions: seed.Permissions,
			Enabled:     seed.Enabled == nil || *seed.Enabled,
			MaxRetries:  seed.MaxRetries,
		}
		if action.Name == "" {
			return fmt.Errorf("%s: action %d has no name", path, i+1)
		}

		existing, err := store.GetActionByName(ctx, action.Name)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := store.CreateAction(ctx, action); err != nil {
				return fmt.Errorf("seed action %q: %w", action.Name, err)
			}
			log.Info("seeded scheduled action", "action", action.Name, "cron", action.CronExpr)
		case err != nil:
			return err
		default:
			action.ID = existing.ID
			if err := store.UpdateAction(ctx, action); err != nil {
				return fmt.Errorf("seed action %q: %w", action.Name, err)
			}
			log.Info("updated scheduled action from seed", "action", action.Name, "cron", action.CronExpr)
		}
	}
	return nil
}
