package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileProvider_Current(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{"missing file", "", "", false},
		{"empty file", " \n", "", false},
		{"logged in", `{"account_id": "acct-a"}`, "acct-a", false},
		{"trimmed", `{"account_id": "  acct-a "}`, "acct-a", false},
		{"logged out", `{"account_id": ""}`, "", false},
		{"garbage", `{not json`, "", true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "case", string(rune('a'+i)), "session.json")
			if tt.name != "missing file" {
				if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
					t.Fatal(err)
				}
				if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
					t.Fatal(err)
				}
			}

			got, err := NewFileProvider(path, quietLogger()).Current()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Current() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Current() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteSessionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")

	if err := WriteSessionFile(path, "acct-a"); err != nil {
		t.Fatalf("WriteSessionFile() failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}

	got, err := readSessionFile(path)
	if err != nil || got != "acct-a" {
		t.Errorf("readSessionFile() = %q, %v", got, err)
	}
}
