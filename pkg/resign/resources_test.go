package resign

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"howett.net/plist"
)

func generateTestResources(t *testing.T, appPath string) map[string]interface{} {
	t.Helper()
	data, err := GenerateCodeResources(appPath)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]interface{}
	if _, err := plist.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestGenerateCodeResourcesHashes(t *testing.T) {
	root := t.TempDir()
	appPath, _ := writeTestApp(t, root, "Demo", "Frameworks/Shared.dylib")
	doc := generateTestResources(t, appPath)

	files, ok := doc["files"].(map[string]interface{})
	if !ok {
		t.Fatalf("files section missing: %v", doc)
	}
	files2, ok := doc["files2"].(map[string]interface{})
	if !ok {
		t.Fatalf("files2 section missing: %v", doc)
	}

	dylib := filepath.Join("Frameworks", "Shared.dylib")
	content, err := os.ReadFile(filepath.Join(appPath, dylib))
	if err != nil {
		t.Fatal(err)
	}
	wantSHA1 := sha1.Sum(content)
	wantSHA256 := sha256.Sum256(content)

	got, ok := files[dylib].([]byte)
	if !ok {
		t.Fatalf("files[%s] = %T, want hash bytes", dylib, files[dylib])
	}
	if !bytes.Equal(got, wantSHA1[:]) {
		t.Errorf("files[%s] hash mismatch", dylib)
	}

	entry, ok := files2[dylib].(map[string]interface{})
	if !ok {
		t.Fatalf("files2[%s] = %T, want dict", dylib, files2[dylib])
	}
	if h, _ := entry["hash"].([]byte); !bytes.Equal(h, wantSHA1[:]) {
		t.Errorf("files2[%s] SHA-1 mismatch", dylib)
	}
	if h, _ := entry["hash2"].([]byte); !bytes.Equal(h, wantSHA256[:]) {
		t.Errorf("files2[%s] SHA-256 mismatch", dylib)
	}
}

func TestGenerateCodeResourcesExclusions(t *testing.T) {
	root := t.TempDir()
	appPath, _ := writeTestApp(t, root, "Demo")
	if err := os.WriteFile(filepath.Join(appPath, ".DS_Store"), []byte("junk"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := WriteCodeResources(appPath); err != nil {
		t.Fatal(err)
	}
	// Rerun over a bundle that already carries a seal.
	doc := generateTestResources(t, appPath)
	files := doc["files"].(map[string]interface{})
	files2 := doc["files2"].(map[string]interface{})

	// The main executable is covered by its embedded signature.
	if _, ok := files["Demo"]; ok {
		t.Error("main executable must not appear in files")
	}
	if _, ok := files2["Demo"]; ok {
		t.Error("main executable must not appear in files2")
	}
	sealPath := filepath.Join(codeSignatureDirName, "CodeResources")
	if _, ok := files[sealPath]; ok {
		t.Error("the seal must not cover itself")
	}
	if _, ok := files[".DS_Store"]; ok {
		t.Error(".DS_Store must be omitted")
	}

	// Info.plist and PkgInfo are sealed in the legacy section only.
	for _, name := range []string{"Info.plist", "PkgInfo"} {
		if _, ok := files[name]; !ok {
			t.Errorf("files must cover %s", name)
		}
		if _, ok := files2[name]; ok {
			t.Errorf("files2 must omit %s", name)
		}
	}
}

func TestGenerateCodeResourcesOptionalLocalizations(t *testing.T) {
	root := t.TempDir()
	appPath, _ := writeTestApp(t, root, "Demo")
	lproj := filepath.Join(appPath, "de.lproj")
	if err := os.MkdirAll(lproj, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(lproj, "Localizable.strings"), []byte("\"a\" = \"b\";"), 0644); err != nil {
		t.Fatal(err)
	}
	doc := generateTestResources(t, appPath)

	files := doc["files"].(map[string]interface{})
	entry, ok := files[filepath.Join("de.lproj", "Localizable.strings")].(map[string]interface{})
	if !ok {
		t.Fatalf("localized file must get a dict entry, got %T", files[filepath.Join("de.lproj", "Localizable.strings")])
	}
	if optional, _ := entry["optional"].(bool); !optional {
		t.Error("localized file must be optional")
	}
}

func TestGenerateCodeResourcesRules(t *testing.T) {
	root := t.TempDir()
	appPath, _ := writeTestApp(t, root, "Demo")
	doc := generateTestResources(t, appPath)

	rules2, ok := doc["rules2"].(map[string]interface{})
	if !ok {
		t.Fatalf("rules2 section missing: %v", doc)
	}
	dsStore, ok := rules2["^(.*/)?\\.DS_Store$"].(map[string]interface{})
	if !ok {
		t.Fatalf("rules2 lacks the .DS_Store rule: %v", rules2)
	}
	if w, _ := dsStore["weight"].(float64); w != 2000 {
		t.Errorf("weight = %v, want 2000", dsStore["weight"])
	}
	infoPlist, ok := rules2["^Info\\.plist$"].(map[string]interface{})
	if !ok {
		t.Fatalf("rules2 lacks the Info.plist rule: %v", rules2)
	}
	if omit, _ := infoPlist["omit"].(bool); !omit {
		t.Error("Info.plist rule must be an omit rule")
	}
}

func TestWriteCodeResources(t *testing.T) {
	root := t.TempDir()
	appPath, _ := writeTestApp(t, root, "Demo")
	if err := WriteCodeResources(appPath); err != nil {
		t.Fatal(err)
	}
	sealPath := filepath.Join(appPath, codeSignatureDirName, "CodeResources")
	data, err := os.ReadFile(sealPath)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]interface{}
	if _, err := plist.Unmarshal(data, &doc); err != nil {
		t.Fatalf("written seal does not parse: %v", err)
	}
	for _, section := range []string{"files", "files2", "rules", "rules2"} {
		if _, ok := doc[section]; !ok {
			t.Errorf("seal lacks the %s section", section)
		}
	}
}
