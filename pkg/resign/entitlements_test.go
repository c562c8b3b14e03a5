package resign

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestEntitlementsToDER(t *testing.T) {
	entitlements := map[string]interface{}{
		"application-identifier":              "ABCD1234.com.example.testapp",
		"com.apple.developer.team-identifier": "ABCD1234",
		"get-task-allow":                      true,
	}

	derBytes, err := EntitlementsToDER(entitlements)
	if err != nil {
		t.Fatalf("EntitlementsToDER failed: %v", err)
	}

	if len(derBytes) < 10 {
		t.Fatalf("DER output too short: %d bytes", len(derBytes))
	}
	// APPLICATION 16, constructed.
	if derBytes[0] != 0x70 {
		t.Errorf("expected tag 0x70, got 0x%02x", derBytes[0])
	}
	if !bytes.Contains(derBytes, []byte("application-identifier")) {
		t.Error("DER should contain 'application-identifier'")
	}
	if !bytes.Contains(derBytes, []byte("get-task-allow")) {
		t.Error("DER should contain 'get-task-allow'")
	}

	// The version marker INTEGER 1 follows the outer tag.
	if !bytes.Contains(derBytes, []byte{0x02, 0x01, 0x01}) {
		t.Errorf("DER should contain INTEGER 1 version marker, got:\n%s", hex.Dump(derBytes))
	}
	// Boolean true encodes as 01 01 ff.
	if !bytes.Contains(derBytes, []byte{0x01, 0x01, 0xff}) {
		t.Errorf("expected BOOLEAN TRUE encoding, got:\n%s", hex.Dump(derBytes))
	}
}

func TestEntitlementsToDER_UTF8String(t *testing.T) {
	// Strings must be UTF8String (0x0C), not PrintableString (0x13).
	derBytes, err := EntitlementsToDER(map[string]interface{}{"key": "value"})
	if err != nil {
		t.Fatalf("EntitlementsToDER failed: %v", err)
	}

	keyEncoded := []byte{0x0C, 0x03, 'k', 'e', 'y'}
	if !bytes.Contains(derBytes, keyEncoded) {
		t.Errorf("expected UTF8String encoding for 'key', got:\n%s", hex.Dump(derBytes))
	}
	valueEncoded := []byte{0x0C, 0x05, 'v', 'a', 'l', 'u', 'e'}
	if !bytes.Contains(derBytes, valueEncoded) {
		t.Errorf("expected UTF8String encoding for 'value', got:\n%s", hex.Dump(derBytes))
	}
}

func TestEntitlementsToDER_Array(t *testing.T) {
	derBytes, err := EntitlementsToDER(map[string]interface{}{
		"array-key": []interface{}{"item1", "item2"},
	})
	if err != nil {
		t.Fatalf("EntitlementsToDER failed: %v", err)
	}

	item1 := []byte{0x0C, 0x05, 'i', 't', 'e', 'm', '1'}
	if !bytes.Contains(derBytes, item1) {
		t.Errorf("expected 'item1' in array, got:\n%s", hex.Dump(derBytes))
	}
}

func TestEntitlementsToDER_SortedKeys(t *testing.T) {
	derBytes, err := EntitlementsToDER(map[string]interface{}{
		"z-key": "z-value",
		"a-key": "a-value",
		"m-key": "m-value",
	})
	if err != nil {
		t.Fatalf("EntitlementsToDER failed: %v", err)
	}

	aPos := bytes.Index(derBytes, []byte("a-key"))
	mPos := bytes.Index(derBytes, []byte("m-key"))
	zPos := bytes.Index(derBytes, []byte("z-key"))
	if aPos < 0 || mPos < 0 || zPos < 0 {
		t.Fatal("keys not found in DER output")
	}
	if aPos >= mPos || mPos >= zPos {
		t.Errorf("keys should be sorted: a-key at %d, m-key at %d, z-key at %d", aPos, mPos, zPos)
	}
}

func TestParseEntitlementsXML(t *testing.T) {
	xmlData := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>application-identifier</key>
	<string>ABCD1234.com.example.testapp</string>
	<key>get-task-allow</key>
	<true/>
</dict>
</plist>`)

	entitlements, err := ParseEntitlementsXML(xmlData)
	if err != nil {
		t.Fatalf("ParseEntitlementsXML failed: %v", err)
	}
	if entitlements["application-identifier"] != "ABCD1234.com.example.testapp" {
		t.Errorf("application-identifier = %v", entitlements["application-identifier"])
	}
	if entitlements["get-task-allow"] != true {
		t.Errorf("get-task-allow = %v", entitlements["get-task-allow"])
	}

	if _, err := ParseEntitlementsXML([]byte("not a plist")); err == nil {
		t.Error("expected error for malformed XML")
	}
}

func TestMergeEntitlements(t *testing.T) {
	base := map[string]interface{}{
		"application-identifier": "TEAM.com.example",
		"get-task-allow":         false,
	}
	override := map[string]interface{}{
		"get-task-allow":  true,
		"aps-environment": "development",
	}

	merged := MergeEntitlements(base, override)
	if merged["application-identifier"] != "TEAM.com.example" {
		t.Errorf("base key lost: %v", merged["application-identifier"])
	}
	if merged["get-task-allow"] != true {
		t.Error("override must win on conflicting keys")
	}
	if merged["aps-environment"] != "development" {
		t.Error("override-only key missing")
	}
	if base["get-task-allow"] != false {
		t.Error("merge mutated its input")
	}
}

func TestUpdateEntitlementsForBundleID(t *testing.T) {
	entitlements := map[string]interface{}{
		"application-identifier": "OLDTEAM.old.bundle.id",
		"keychain-access-groups": []interface{}{
			"OLDTEAM.old.bundle.id",
		},
	}

	updated := UpdateEntitlementsForBundleID(entitlements, "NEWTEAM", "new.bundle.id")

	if updated["application-identifier"] != "NEWTEAM.new.bundle.id" {
		t.Errorf("application-identifier = %v", updated["application-identifier"])
	}
	groups, ok := updated["keychain-access-groups"].([]interface{})
	if !ok || len(groups) != 1 {
		t.Fatalf("keychain-access-groups = %#v", updated["keychain-access-groups"])
	}
	if groups[0] != "NEWTEAM.new.bundle.id" {
		t.Errorf("keychain-access-groups[0] = %v", groups[0])
	}

	// A bundle id already carrying the team prefix is not doubled.
	updated = UpdateEntitlementsForBundleID(entitlements, "NEWTEAM", "NEWTEAM.new.bundle.id")
	if updated["application-identifier"] != "NEWTEAM.new.bundle.id" {
		t.Errorf("application-identifier = %v", updated["application-identifier"])
	}
}
