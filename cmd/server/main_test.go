package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "tenant:\n  id: acme\n" +
		"database:\n  driver: sqlite\n  file_path: " + filepath.Join(dir, "pricebook.db") + "\n" +
		"external:\n  provider: native\n" +
		"logging:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "sync", "retry", "migrate"})
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestMigrate(t *testing.T) {
	out, err := run(t, "migrate", "--config", writeConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "schema is up to date (sqlite)")
}

func TestRetryDrainWithEmptyQueue(t *testing.T) {
	out, err := run(t, "retry", "--config", writeConfig(t))
	require.NoError(t, err)
	assert.Equal(t, "retried=0 failed=0\n", out)
}

func TestSyncRejectsUnknownType(t *testing.T) {
	_, err := run(t, "sync", "--type", "widget", "--config", writeConfig(t))
	require.Error(t, err)
}
