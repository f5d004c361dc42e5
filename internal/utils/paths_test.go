package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHomeOverridesAppPaths(t *testing.T) {
	home := filepath.Join(t.TempDir(), "node-a")
	t.Setenv(HomeEnv, home)

	paths := GetAppPaths("")
	if paths.AppDir != home || paths.ConfigDir != home || paths.DataDir != home {
		t.Fatalf("Expected every directory under %s, got %+v", home, paths)
	}
	if paths.LogDir != filepath.Join(home, "logs") {
		t.Errorf("Unexpected log directory %s", paths.LogDir)
	}
	for _, dir := range []string{paths.AppDir, paths.LogDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("Directory %s was not created: %v", dir, err)
		}
	}
	if got := paths.GetExportPath("key.bin"); got != filepath.Join(home, ExportDirName, "key.bin") {
		t.Errorf("Unexpected export path %s", got)
	}
}

func TestIdentityScopedFiles(t *testing.T) {
	identity := "ABCDEF0123456789deadbeef"

	cases := []struct {
		base string
		want string
	}{
		{"relay-dm.db", "relay-dm-abcdef0123456789.db"},
		{"messages", "messages-abcdef0123456789.db"},
		{"store.sqlite", "store-abcdef0123456789.sqlite"},
	}
	for _, c := range cases {
		if got := IdentityFileName(c.base, identity); got != c.want {
			t.Errorf("IdentityFileName(%q) = %q, want %q", c.base, got, c.want)
		}
	}

	if IdentityFileName("relay-dm.db", "aa11") == IdentityFileName("relay-dm.db", "bb22") {
		t.Error("Different identities share a data file")
	}

	home := t.TempDir()
	t.Setenv(HomeEnv, home)
	got := GetAppPaths("").GetIdentityDataPath("relay-dm.db", identity)
	if got != filepath.Join(home, "relay-dm-abcdef0123456789.db") {
		t.Errorf("Unexpected identity data path %s", got)
	}
}
