package session

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/matheus3301/voipsms/internal/config"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "main", false},
		{"numbers", "line2", false},
		{"hyphen and underscore", "work_sms-2", false},
		{"max length", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"dot dot", "..", true},
		{"slash", "a/b", true},
		{"too long", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestList(t *testing.T) {
	t.Setenv("VOIPSMS_HOME", t.TempDir())

	names, err := List()
	if err != nil || names != nil {
		t.Fatalf("List() on fresh home = %v, %v", names, err)
	}

	for _, n := range []string{"work", "main"} {
		if err := EnsureDir(n); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(Dir(""), "Not.Valid"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(Dir(""), "stray"), nil, 0600); err != nil {
		t.Fatal(err)
	}

	names, err = List()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"main", "work"}; !slices.Equal(names, want) {
		t.Errorf("List() = %v, want %v", names, want)
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Setenv("VOIPSMS_HOME", t.TempDir())
	t.Setenv("VOIPSMS_SESSION", "")

	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve() with nothing configured = %q, want %q", got, DefaultSessionName)
	}
	if err := config.SaveGlobal(GlobalConfigPath(), &config.Global{DefaultSession: "work"}); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve() from global config = %q, want work", got)
	}
	t.Setenv("VOIPSMS_SESSION", "env")
	if got := Resolve(""); got != "env" {
		t.Errorf("Resolve() from env = %q, want env", got)
	}
	if got := Resolve("flag"); got != "flag" {
		t.Errorf("Resolve(flag) = %q, want flag", got)
	}
}
