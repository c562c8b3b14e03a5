package resign

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// Identity is one entry from the signing authority's identity list.
type Identity struct {
	Hash string // SHA-1 fingerprint as printed by the keychain
	Name string // display name, e.g. "Apple Development: ..."
}

// Authority produces and checks code signatures. The session decides
// what gets signed, in what order and with which entitlements; the
// authority does the cryptography and is otherwise opaque.
type Authority interface {
	// Sign signs target in place with the given identity reference.
	// entitlementsPath may be empty.
	Sign(ctx context.Context, identity, entitlementsPath, target string) error
	// Verify checks target's existing signature.
	Verify(ctx context.Context, target string) error
	// Identities lists the signing identities the authority can use.
	Identities(ctx context.Context) ([]Identity, error)
}

// CodesignAuthority shells out to Apple's codesign and security tools.
// It only works on a Mac with a populated keychain.
type CodesignAuthority struct {
	Keychain string // optional keychain to resolve the identity from
}

func (a *CodesignAuthority) Sign(ctx context.Context, identity, entitlementsPath, target string) error {
	args := []string{"-f", "-s", identity}
	if a.Keychain != "" {
		args = append(args, "--keychain", a.Keychain)
	}
	if entitlementsPath != "" {
		args = append(args, "--entitlements", entitlementsPath)
	}
	args = append(args, target)

	cmd := exec.CommandContext(ctx, "codesign", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return &SigningError{Path: target, Err: fmt.Errorf("codesign: %v: %s", err, strings.TrimSpace(string(out)))}
	}
	return nil
}

func (a *CodesignAuthority) Verify(ctx context.Context, target string) error {
	cmd := exec.CommandContext(ctx, "codesign", "--verify", "--strict", "--verbose=2", target)
	if out, err := cmd.CombinedOutput(); err != nil {
		return &VerificationError{Path: target, Err: fmt.Errorf("codesign --verify: %v: %s", err, strings.TrimSpace(string(out)))}
	}
	return nil
}

// Lines look like:
//
//	1) A1B2...F0 "Apple Development: Jane Doe (TEAM123456)"
var identityLine = regexp.MustCompile(`([0-9A-Fa-f]{40})\s+"([^"]+)"`)

func (a *CodesignAuthority) Identities(ctx context.Context) ([]Identity, error) {
	cmd := exec.CommandContext(ctx, "security", "find-identity", "-v", "-p", "codesigning")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	return parseIdentities(string(out)), nil
}

func parseIdentities(out string) []Identity {
	var ids []Identity
	for _, line := range strings.Split(out, "\n") {
		if m := identityLine.FindStringSubmatch(line); m != nil {
			ids = append(ids, Identity{Hash: m[1], Name: m[2]})
		}
	}
	return ids
}
