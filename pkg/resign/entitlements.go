package resign

import (
	"encoding/asn1"
	"fmt"
	"sort"
	"strings"

	"howett.net/plist"
)

// ExtractEntitlements renders a profile's entitlements payload as an
// XML plist document, the format the signing authority consumes.
func ExtractEntitlements(profile *ProvisioningProfile) ([]byte, error) {
	if profile.Entitlements == nil {
		return nil, fmt.Errorf("provisioning profile has no entitlements")
	}
	data, err := plist.MarshalIndent(profile.Entitlements, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlements: %w", err)
	}
	return data, nil
}

// UpdateEntitlementsForBundleID rewrites the identifiers inside an
// entitlements map for a new bundle id: application-identifier and
// every keychain-access-groups entry get the team prefix plus the new
// id. A bundle id that already carries the team prefix is not prefixed
// again.
func UpdateEntitlementsForBundleID(entitlements map[string]interface{}, teamID, newBundleID string) map[string]interface{} {
	updated := make(map[string]interface{}, len(entitlements))
	for k, v := range entitlements {
		updated[k] = v
	}

	bareID := strings.TrimPrefix(newBundleID, teamID+".")
	updated["application-identifier"] = teamID + "." + bareID

	if groups, ok := updated["keychain-access-groups"].([]interface{}); ok {
		newGroups := make([]interface{}, 0, len(groups))
		for _, group := range groups {
			groupStr, ok := group.(string)
			if !ok || !strings.Contains(groupStr, ".") {
				newGroups = append(newGroups, group)
				continue
			}
			newGroups = append(newGroups, teamID+"."+bareID)
		}
		updated["keychain-access-groups"] = newGroups
	}
	return updated
}

// MergeEntitlements overlays override onto base; override wins on
// conflicting keys.
func MergeEntitlements(base, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// ParseEntitlementsXML parses an XML plist entitlements document.
func ParseEntitlementsXML(data []byte) (map[string]interface{}, error) {
	var entitlements map[string]interface{}
	if _, err := plist.Unmarshal(data, &entitlements); err != nil {
		return nil, fmt.Errorf("failed to parse entitlements XML: %w", err)
	}
	return entitlements, nil
}

// EntitlementsToDER converts an entitlements map to Apple's DER plist
// encoding, which modern signatures embed alongside the XML form.
//
//	Top-level:  APPLICATION 16 { INTEGER 1, dictionary }
//	Dictionary: [16] { SEQUENCE { UTF8String key, value }... }
//	Array:      SEQUENCE { value... }
func EntitlementsToDER(entitlements map[string]interface{}) ([]byte, error) {
	dictContent, err := encodeDERDict(entitlements)
	if err != nil {
		return nil, err
	}

	versionBytes, err := asn1.Marshal(1)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal version: %w", err)
	}

	// 0x70 = application class, constructed, tag 16
	return wrapWithTag(0x70, append(versionBytes, dictContent...)), nil
}

func encodeDERDict(dict map[string]interface{}) ([]byte, error) {
	// Sorted keys keep the encoding deterministic.
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairsContent []byte
	for _, key := range keys {
		valueBytes, err := encodeDERValue(dict[key])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal value for key %s: %w", key, err)
		}
		// Each pair is SEQUENCE { key, value }.
		pairContent := append(encodeUTF8String(key), valueBytes...)
		pairsContent = append(pairsContent, wrapWithTag(0x30, pairContent)...)
	}

	// The pairs sit directly inside context tag [16], with no outer
	// SEQUENCE wrapper.
	return wrapWithTag(0xB0, pairsContent), nil
}

func encodeUTF8String(s string) []byte {
	return wrapWithTag(0x0C, []byte(s))
}

func encodeDERValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case bool:
		return asn1.Marshal(val)
	case string:
		return encodeUTF8String(val), nil
	case int:
		return asn1.Marshal(val)
	case int64:
		return asn1.Marshal(val)
	case uint64:
		return asn1.Marshal(int64(val))
	case []interface{}:
		var content []byte
		for _, item := range val {
			itemBytes, err := encodeDERValue(item)
			if err != nil {
				return nil, err
			}
			content = append(content, itemBytes...)
		}
		return wrapWithTag(0x30, content), nil
	case map[string]interface{}:
		return encodeDERDict(val)
	default:
		return nil, fmt.Errorf("unsupported plist type: %T", v)
	}
}

func wrapWithTag(tag byte, content []byte) []byte {
	length := len(content)
	switch {
	case length < 128:
		return append([]byte{tag, byte(length)}, content...)
	case length < 256:
		return append([]byte{tag, 0x81, byte(length)}, content...)
	case length < 65536:
		return append([]byte{tag, 0x82, byte(length >> 8), byte(length)}, content...)
	default:
		return append([]byte{tag, 0x83, byte(length >> 16), byte(length >> 8), byte(length)}, content...)
	}
}
