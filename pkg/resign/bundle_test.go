package resign

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"howett.net/plist"
)

// writeTestApp materializes a Payload/<name>.app bundle with an
// Info.plist, a main executable and the given extra binaries (paths
// relative to the app root). It returns the app and executable paths.
func writeTestApp(t *testing.T, root, name string, extras ...string) (string, string) {
	t.Helper()
	appPath := filepath.Join(root, "Payload", name+".app")
	if err := os.MkdirAll(appPath, 0755); err != nil {
		t.Fatal(err)
	}
	writeTestInfoPlist(t, appPath, map[string]interface{}{
		"CFBundleIdentifier": "com.example." + name,
		"CFBundleExecutable": name,
	})
	execPath := filepath.Join(appPath, name)
	if err := os.WriteFile(execPath, plainMachO(), 0755); err != nil {
		t.Fatal(err)
	}
	for _, extra := range extras {
		path := filepath.Join(appPath, extra)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, plainMachO(), 0755); err != nil {
			t.Fatal(err)
		}
	}
	// Bundles always carry some non-binary files too.
	if err := os.WriteFile(filepath.Join(appPath, "PkgInfo"), []byte("APPL????"), 0644); err != nil {
		t.Fatal(err)
	}
	return appPath, execPath
}

func writeTestInfoPlist(t *testing.T, appPath string, info map[string]interface{}) {
	t.Helper()
	data, err := plist.MarshalIndent(info, plist.XMLFormat, "\t")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(appPath, "Info.plist"), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLocateApp(t *testing.T) {
	root := t.TempDir()
	payload := filepath.Join(root, "Payload")
	if err := os.MkdirAll(payload, 0755); err != nil {
		t.Fatal(err)
	}

	// Empty payload.
	if _, err := LocateApp(payload); err == nil {
		t.Error("expected error for payload without bundles")
	}

	// Non-bundle entries are ignored.
	if err := os.MkdirAll(filepath.Join(payload, "Symbols"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(payload, "stray.app"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LocateApp(payload); err == nil {
		t.Error("a file named .app must not count as a bundle")
	}

	// Exactly one bundle.
	if err := os.MkdirAll(filepath.Join(payload, "Demo.app"), 0755); err != nil {
		t.Fatal(err)
	}
	app, err := LocateApp(payload)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(app) != "Demo.app" {
		t.Errorf("LocateApp = %q, want Demo.app", app)
	}

	// Two bundles is fatal.
	if err := os.MkdirAll(filepath.Join(payload, "Other.app"), 0755); err != nil {
		t.Fatal(err)
	}
	_, err = LocateApp(payload)
	var serr *StructuralError
	if !errors.As(err, &serr) {
		t.Errorf("expected StructuralError for two bundles, got %v", err)
	}

	// Missing payload directory.
	if _, err := LocateApp(filepath.Join(root, "nope")); err == nil {
		t.Error("expected error for missing payload root")
	}
}

func TestExecutableName(t *testing.T) {
	root := t.TempDir()
	appPath, _ := writeTestApp(t, root, "Demo")

	if got := ExecutableName(appPath); got != "Demo" {
		t.Errorf("ExecutableName = %q, want Demo", got)
	}

	// Declared name wins over the directory name.
	writeTestInfoPlist(t, appPath, map[string]interface{}{"CFBundleExecutable": "Runner"})
	if got := ExecutableName(appPath); got != "Runner" {
		t.Errorf("ExecutableName = %q, want Runner", got)
	}

	// Missing Info.plist falls back to the directory base name.
	if err := os.Remove(filepath.Join(appPath, "Info.plist")); err != nil {
		t.Fatal(err)
	}
	if got := ExecutableName(appPath); got != "Demo" {
		t.Errorf("ExecutableName fallback = %q, want Demo", got)
	}
}

func TestExecutablePath(t *testing.T) {
	root := t.TempDir()
	appPath, execPath := writeTestApp(t, root, "Demo")

	got, err := ExecutablePath(appPath)
	if err != nil {
		t.Fatal(err)
	}
	if got != execPath {
		t.Errorf("ExecutablePath = %q, want %q", got, execPath)
	}

	// Executable declared but absent on disk.
	writeTestInfoPlist(t, appPath, map[string]interface{}{"CFBundleExecutable": "Ghost"})
	_, err = ExecutablePath(appPath)
	var serr *StructuralError
	if !errors.As(err, &serr) {
		t.Errorf("expected StructuralError for missing executable, got %v", err)
	}

	// Executable resolving to a directory.
	writeTestInfoPlist(t, appPath, map[string]interface{}{"CFBundleExecutable": "Plugins"})
	if err := os.MkdirAll(filepath.Join(appPath, "Plugins"), 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := ExecutablePath(appPath); !errors.As(err, &serr) {
		t.Errorf("expected StructuralError for directory executable, got %v", err)
	}
}

func TestBundleID(t *testing.T) {
	root := t.TempDir()
	appPath, _ := writeTestApp(t, root, "Demo")

	id, err := BundleID(appPath)
	if err != nil {
		t.Fatal(err)
	}
	if id != "com.example.Demo" {
		t.Errorf("BundleID = %q, want com.example.Demo", id)
	}

	writeTestInfoPlist(t, appPath, map[string]interface{}{"CFBundleExecutable": "Demo"})
	if _, err := BundleID(appPath); err == nil {
		t.Error("expected error when CFBundleIdentifier is missing")
	}
}
