package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatstream/internal/config"
)

func TestCommands(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "migrate"}, names)
}

func TestMigrateSQLite(t *testing.T) {
	cfg := &config.Config{
		DatabaseDriver: "sqlite",
		DatabaseURL:    "file:" + filepath.Join(t.TempDir(), "migrate.db"),
		LogLevel:       "error",
	}
	require.NoError(t, migrate(context.Background(), cfg))
	// Migrations are idempotent.
	require.NoError(t, migrate(context.Background(), cfg))
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	_, err := openStore(&config.Config{DatabaseDriver: "mysql"})
	assert.Error(t, err)
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	err := serve(context.Background(), &config.Config{DatabaseDriver: "sqlite"})
	assert.Error(t, err)
}
