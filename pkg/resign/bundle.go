package resign

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

// LocateApp finds the application bundle under payloadRoot. Anything
// other than exactly one .app entry is a StructuralError.
func LocateApp(payloadRoot string) (string, error) {
	entries, err := os.ReadDir(payloadRoot)
	if err != nil {
		return "", &StructuralError{Reason: fmt.Sprintf("cannot read %s: %v", payloadRoot, err)}
	}

	var apps []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), ".app") {
			apps = append(apps, filepath.Join(payloadRoot, entry.Name()))
		}
	}

	switch len(apps) {
	case 1:
		return apps[0], nil
	case 0:
		return "", &StructuralError{Reason: "no .app bundle found in " + payloadRoot}
	default:
		return "", &StructuralError{Reason: fmt.Sprintf("found %d .app bundles in %s, expected exactly one", len(apps), payloadRoot)}
	}
}

// ExecutableName resolves the app's main executable name from its
// Info.plist, falling back to the bundle directory's base name when the
// descriptor is missing or declares no CFBundleExecutable.
func ExecutableName(appPath string) string {
	if info, err := readInfoPlist(appPath); err == nil {
		if name, ok := info["CFBundleExecutable"].(string); ok && name != "" {
			return name
		}
	}
	return strings.TrimSuffix(filepath.Base(appPath), ".app")
}

// ExecutablePath resolves the app's main executable and checks that it
// exists as a regular file.
func ExecutablePath(appPath string) (string, error) {
	execPath := filepath.Join(appPath, ExecutableName(appPath))
	fi, err := os.Stat(execPath)
	if err != nil {
		return "", &StructuralError{Reason: "main executable not found at " + execPath}
	}
	if !fi.Mode().IsRegular() {
		return "", &StructuralError{Reason: execPath + " is not a regular file"}
	}
	return execPath, nil
}

// BundleID reads CFBundleIdentifier from the app's Info.plist.
func BundleID(appPath string) (string, error) {
	info, err := readInfoPlist(appPath)
	if err != nil {
		return "", err
	}
	id, ok := info["CFBundleIdentifier"].(string)
	if !ok {
		return "", fmt.Errorf("CFBundleIdentifier not found in Info.plist")
	}
	return id, nil
}

func readInfoPlist(appPath string) (map[string]interface{}, error) {
	data, err := os.ReadFile(filepath.Join(appPath, "Info.plist"))
	if err != nil {
		return nil, fmt.Errorf("failed to read Info.plist: %w", err)
	}
	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse Info.plist: %w", err)
	}
	return info, nil
}

func writeInfoPlist(appPath string, info map[string]interface{}) error {
	data, err := plist.MarshalIndent(info, plist.XMLFormat, "\t")
	if err != nil {
		return fmt.Errorf("failed to marshal Info.plist: %w", err)
	}
	if err := os.WriteFile(filepath.Join(appPath, "Info.plist"), data, 0644); err != nil {
		return fmt.Errorf("failed to write Info.plist: %w", err)
	}
	return nil
}
