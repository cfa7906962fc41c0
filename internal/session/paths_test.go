package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".dfchat", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestBaseDirOverride(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv(HomeEnv, tmpDir)
	if got := BaseDir(); got != tmpDir {
		t.Errorf("BaseDir() = %q, want %q", got, tmpDir)
	}
	if got := ConfigPath(); got != filepath.Join(tmpDir, "config.toml") {
		t.Errorf("ConfigPath() = %q", got)
	}
}

func TestSessionFiles(t *testing.T) {
	tests := []struct {
		name   string
		got    string
		suffix string
	}{
		{"socket", SocketPath("test"), filepath.Join("sessions", "test", "daemon.sock")},
		{"lock", LockPath("test"), filepath.Join("sessions", "test", "LOCK")},
		{"cache", CachePath("test"), filepath.Join("sessions", "test", "dfchat.db")},
		{"log", LogPath("test"), filepath.Join("sessions", "test", "logs", "dfchatd.log")},
		{"identity", IdentityPath("test"), filepath.Join("sessions", "test", "identity.toml")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.HasSuffix(tt.got, tt.suffix) {
				t.Errorf("path = %q, want suffix %q", tt.got, tt.suffix)
			}
		})
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{Dir("test"), LogDir("test")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("%s permission = %o, want 0700", d, perm)
		}
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.toml")

	if _, err := LoadIdentity(path); err != ErrNoIdentity {
		t.Fatalf("LoadIdentity(missing) error = %v, want ErrNoIdentity", err)
	}
	if err := SaveIdentity(path, Identity{UserID: 7}); err == nil {
		t.Fatal("SaveIdentity accepted an identity without a token")
	}

	want := Identity{UserID: 7, Token: "abc"}
	if err := SaveIdentity(path, want); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("identity permission = %o, want 0600", perm)
	}

	got, err := LoadIdentity(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("LoadIdentity() = %+v, want %+v", got, want)
	}

	if err := ClearIdentity(path); err != nil {
		t.Fatal(err)
	}
	if err := ClearIdentity(path); err != nil {
		t.Errorf("second ClearIdentity() error = %v", err)
	}
	if _, err := LoadIdentity(path); err != ErrNoIdentity {
		t.Errorf("LoadIdentity(after clear) error = %v, want ErrNoIdentity", err)
	}
}
