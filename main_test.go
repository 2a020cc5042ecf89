package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunReturnsStartupErrors(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	tests := []struct {
		name    string
		secret  string
		config  string
		wantErr string
	}{
		{
			name:    "bad log level",
			secret:  "s3cret",
			config:  "log:\n  level: \"loud\"\n",
			wantErr: "init logger",
		},
		{
			name:    "missing token secret",
			secret:  "",
			config:  "database:\n  dsn: \"" + filepath.Join(dir, "a.db") + "\"\n",
			wantErr: "token secret",
		},
		{
			name:   "attachment dir after store is open",
			secret: "s3cret",
			config: "database:\n  dsn: \"" + filepath.Join(dir, "b.db") + "\"\n" +
				"attachments:\n  dir: \"" + filepath.Join(blocker, "uploads") + "\"\n",
			wantErr: "attachments dir",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CHATBOX_TOKEN_SECRET", tt.secret)
			err := run(writeConfig(t, t.TempDir(), tt.config))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
