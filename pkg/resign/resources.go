package resign

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

// Name of the directory holding a bundle's resource seal.
const codeSignatureDirName = "_CodeSignature"

// GenerateCodeResources builds the _CodeSignature/CodeResources plist
// for a bundle: every file hashed recursively, nested bundle contents
// included. The legacy "files" section carries SHA-1 hashes, "files2"
// carries both SHA-1 and SHA-256. The bundle's own seal and its main
// executable are excluded; the executable is covered by its embedded
// signature instead.
func GenerateCodeResources(appPath string) ([]byte, error) {
	files := make(map[string]interface{})
	files2 := make(map[string]interface{})
	execName := ExecutableName(appPath)

	err := filepath.Walk(appPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(appPath, path)
		if err != nil {
			return err
		}
		if relPath == execName || relPath == filepath.Join(codeSignatureDirName, "CodeResources") {
			return nil
		}
		if sealOmits(relPath) {
			return nil
		}

		sha1Hash, err := fileSHA1(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", relPath, err)
		}

		optional := strings.Contains(relPath, ".lproj/")
		if optional {
			files[relPath] = map[string]interface{}{"hash": sha1Hash, "optional": true}
		} else {
			files[relPath] = sha1Hash
		}

		// Info.plist and PkgInfo live in "files" only, matching the
		// omit rules Apple ships in rules2.
		if relPath == "Info.plist" || relPath == "PkgInfo" {
			return nil
		}
		sha256Hash, err := fileSHA256(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", relPath, err)
		}
		entry := map[string]interface{}{"hash": sha1Hash, "hash2": sha256Hash}
		if optional {
			entry["optional"] = true
		}
		files2[relPath] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	data, err := plist.MarshalIndent(map[string]interface{}{
		"files":  files,
		"files2": files2,
		"rules":  sealRules(),
		"rules2": sealRules2(),
	}, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CodeResources: %w", err)
	}
	return data, nil
}

// WriteCodeResources regenerates the bundle's resource seal on disk.
func WriteCodeResources(appPath string) error {
	data, err := GenerateCodeResources(appPath)
	if err != nil {
		return err
	}
	sealDir := filepath.Join(appPath, codeSignatureDirName)
	if err := os.MkdirAll(sealDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", codeSignatureDirName, err)
	}
	if err := os.WriteFile(filepath.Join(sealDir, "CodeResources"), data, 0644); err != nil {
		return fmt.Errorf("failed to write CodeResources: %w", err)
	}
	return nil
}

// sealOmits reports files the seal never covers: Finder droppings,
// AppleDouble files and locversion plists.
func sealOmits(relPath string) bool {
	if strings.HasSuffix(relPath, ".DS_Store") {
		return true
	}
	if strings.HasPrefix(filepath.Base(relPath), "._") {
		return true
	}
	return strings.HasSuffix(relPath, ".lproj/locversion.plist")
}

func fileSHA1(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func fileSHA256(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Weights are float64 so plist renders them as <real>, the type Apple's
// tooling expects.
func sealRules() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^version.plist$": true,
	}
}

func sealRules2() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		".*\\.dSYM($|/)": map[string]interface{}{
			"weight": float64(11),
		},
		"^(.*/)?\\.DS_Store$": map[string]interface{}{
			"omit":   true,
			"weight": float64(2000),
		},
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^Info\\.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^PkgInfo$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^embedded\\.provisionprofile$": map[string]interface{}{
			"weight": float64(20),
		},
		"^version\\.plist$": map[string]interface{}{
			"weight": float64(20),
		},
	}
}
