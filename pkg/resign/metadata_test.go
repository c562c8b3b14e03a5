package resign

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestApplyBundleID(t *testing.T) {
	root := t.TempDir()
	appPath, _ := writeTestApp(t, root, "Demo")

	if err := ApplyBundleID(appPath, "com.example.renamed"); err != nil {
		t.Fatal(err)
	}
	id, err := BundleID(appPath)
	if err != nil {
		t.Fatal(err)
	}
	if id != "com.example.renamed" {
		t.Errorf("BundleID after rewrite = %q, want com.example.renamed", id)
	}

	// Other keys survive the rewrite.
	if got := ExecutableName(appPath); got != "Demo" {
		t.Errorf("CFBundleExecutable lost during rewrite, got %q", got)
	}

	// Empty id leaves the plist alone.
	if err := ApplyBundleID(appPath, ""); err != nil {
		t.Fatal(err)
	}
	if id, _ := BundleID(appPath); id != "com.example.renamed" {
		t.Errorf("empty id must be a no-op, got %q", id)
	}

	// Missing bundle is an error.
	if err := ApplyBundleID(filepath.Join(root, "nope.app"), "com.x"); err == nil {
		t.Error("expected error for missing Info.plist")
	}
}

func TestForceDeviceFamily(t *testing.T) {
	root := t.TempDir()
	appPath, _ := writeTestApp(t, root, "Demo")
	writeTestInfoPlist(t, appPath, map[string]interface{}{
		"CFBundleIdentifier": "com.example.Demo",
		"UIDeviceFamily":     []interface{}{1, 2},
	})

	if err := ForceDeviceFamily(appPath); err != nil {
		t.Fatal(err)
	}
	info, err := readInfoPlist(appPath)
	if err != nil {
		t.Fatal(err)
	}
	family, ok := info["UIDeviceFamily"].([]interface{})
	if !ok || len(family) != 1 {
		t.Fatalf("UIDeviceFamily = %#v, want single entry", info["UIDeviceFamily"])
	}
}

func TestRemoveWatchApp(t *testing.T) {
	root := t.TempDir()
	appPath, _ := writeTestApp(t, root, "Demo")

	for _, dir := range []string{
		"Watch/Demo Watch.app",
		"com.apple.WatchPlaceholder",
		"PlugIns/Demo WatchKit Extension.appex",
		"PlugIns/Demo Share Extension.appex",
	} {
		if err := os.MkdirAll(filepath.Join(appPath, dir), 0755); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := RemoveWatchApp(appPath)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, path := range removed {
		rel, _ := filepath.Rel(appPath, path)
		names = append(names, rel)
	}
	sort.Strings(names)
	want := []string{
		"PlugIns/Demo WatchKit Extension.appex",
		"Watch",
		"com.apple.WatchPlaceholder",
	}
	if len(names) != len(want) {
		t.Fatalf("removed %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("removed %v, want %v", names, want)
		}
	}

	// The non-watch plugin survives.
	if _, err := os.Stat(filepath.Join(appPath, "PlugIns", "Demo Share Extension.appex")); err != nil {
		t.Error("share extension must not be removed")
	}

	// Second run finds nothing.
	removed, err = RemoveWatchApp(appPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 0 {
		t.Errorf("second run removed %v, want nothing", removed)
	}
}

func TestEmbedProvisioningProfileRejectsGarbage(t *testing.T) {
	root := t.TempDir()
	appPath, _ := writeTestApp(t, root, "Demo")

	profilePath := filepath.Join(root, "bad.mobileprovision")
	if err := os.WriteFile(profilePath, []byte("not a pkcs7 container"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := EmbedProvisioningProfile(appPath, profilePath, "", false); err == nil {
		t.Error("expected parse error for garbage profile")
	}

	if _, err := EmbedProvisioningProfile(appPath, filepath.Join(root, "missing"), "", false); err == nil {
		t.Error("expected error for missing profile")
	}
}
