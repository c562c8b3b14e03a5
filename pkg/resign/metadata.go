package resign

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Well-known names inside an app bundle.
const (
	embeddedProfileName  = "embedded.mobileprovision"
	entitlementsFileName = "Entitlements.plist"
)

// ApplyBundleID rewrites CFBundleIdentifier in the app's Info.plist.
// An empty newID is a no-op.
func ApplyBundleID(appPath, newID string) error {
	if newID == "" {
		return nil
	}
	info, err := readInfoPlist(appPath)
	if err != nil {
		return err
	}
	info["CFBundleIdentifier"] = newID
	return writeInfoPlist(appPath, info)
}

// ForceDeviceFamily rewrites UIDeviceFamily so the app installs as an
// iPhone app even when it was built universal.
func ForceDeviceFamily(appPath string) error {
	info, err := readInfoPlist(appPath)
	if err != nil {
		return err
	}
	info["UIDeviceFamily"] = []interface{}{1}
	return writeInfoPlist(appPath, info)
}

// RemoveWatchApp deletes the watch companion app and its WatchKit
// plugins from the bundle, returning the paths it removed.
func RemoveWatchApp(appPath string) ([]string, error) {
	var removed []string

	for _, name := range []string{"Watch", "com.apple.WatchPlaceholder"} {
		path := filepath.Join(appPath, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		removed = append(removed, path)
	}

	plugins := filepath.Join(appPath, "PlugIns")
	entries, err := os.ReadDir(plugins)
	if err != nil {
		return removed, nil // no PlugIns directory
	}
	for _, entry := range entries {
		if !strings.Contains(strings.ToLower(entry.Name()), "watch") {
			continue
		}
		path := filepath.Join(plugins, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}

// EmbedProvisioningProfile copies the raw profile into the bundle under
// its conventional embedded name and writes the profile's entitlements
// payload next to it. When newBundleID is non-empty the identifier
// entitlements are rewritten for it first. It returns the entitlements
// path the signing step must use, which supersedes any explicitly
// configured file. selfSigned skips the expiry check for profiles
// issued outside Apple's chain.
func EmbedProvisioningProfile(appPath, profilePath, newBundleID string, selfSigned bool) (string, error) {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return "", fmt.Errorf("failed to read provisioning profile: %w", err)
	}

	profile, err := ParseProvisioningProfile(data)
	if err != nil {
		return "", fmt.Errorf("failed to parse provisioning profile: %w", err)
	}
	if !selfSigned && profile.IsExpired() {
		return "", fmt.Errorf("provisioning profile expired on %s", profile.ExpirationDate.Format("2006-01-02"))
	}

	if err := os.WriteFile(filepath.Join(appPath, embeddedProfileName), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", embeddedProfileName, err)
	}

	if newBundleID != "" && profile.TeamID() != "" {
		profile.Entitlements = UpdateEntitlementsForBundleID(profile.Entitlements, profile.TeamID(), newBundleID)
	}
	entXML, err := ExtractEntitlements(profile)
	if err != nil {
		return "", err
	}
	entPath := filepath.Join(appPath, entitlementsFileName)
	if err := os.WriteFile(entPath, entXML, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", entitlementsFileName, err)
	}
	return entPath, nil
}
