package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	os.Setenv("BROK_DATABASE_TYPE", "sqlite")
	os.Setenv("BROK_DATABASE", dbPath)
	t.Cleanup(
		func() {
			os.Unsetenv("BROK_DATABASE_TYPE")
			os.Unsetenv("BROK_DATABASE")
		},
	)

	output := &bytes.Buffer{}
	rootCmd.SetOut(output)
	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, output.String(), "Initialization complete")
	assert.FileExists(t, dbPath)

	// The migrated schema must be usable as-is
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	require.NoError(t, err)
	for _, table := range []string{
		"users",
		"user_preferences",
		"faqs",
		"injection_attempts",
		"chat_jobs",
	} {
		assert.Truef(
			t,
			db.Migrator().HasTable(table),
			"expected table %s to exist",
			table,
		)
	}
}
