package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/converse/pkg/inference"
	"github.com/go-go-golems/converse/pkg/inference/factory"
	"github.com/go-go-golems/converse/pkg/session"
	"github.com/go-go-golems/converse/pkg/store"
	"github.com/go-go-golems/converse/pkg/store/memstore"
	"github.com/go-go-golems/converse/pkg/store/sqlstore"
)

func openStore() (store.Store, error) {
	if viper.GetBool("memory") {
		return memstore.NewStore(), nil
	}

	dsn := viper.GetString("db")
	if dsn == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "resolving home directory")
		}
		dir := filepath.Join(home, ".converse")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "creating config directory")
		}
		dsn = filepath.Join(dir, "converse.db")
	}
	return sqlstore.NewStore(dsn)
}

func newEngine() (inference.Engine, error) {
	return factory.NewEngine(viper.GetString("provider"), viper.GetString("api-key"))
}

func newSettings() *inference.Settings {
	settings := inference.NewSettings()
	settings.SystemPrompt = viper.GetString("system-prompt")
	if temperature := viper.GetFloat64("temperature"); temperature > 0 {
		settings.Temperature = &temperature
	}
	if maxTokens := viper.GetInt("max-tokens"); maxTokens > 0 {
		settings.MaxTokens = &maxTokens
	}
	return settings
}

// waitLoaded polls until the manager consumed its first snapshot.
func waitLoaded(ctx context.Context, isLoading func() bool) error {
	deadline := time.After(5 * time.Second)
	for isLoading() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return errors.New("timed out waiting for the message stream")
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

func newListManager(s store.Store) *session.ListManagerImpl {
	return session.NewListManager(s, viper.GetString("user"))
}
