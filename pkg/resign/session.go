package resign

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config collects every option a resigning session honors. It is
// copied at session creation, so mutation by the caller cannot affect a
// running session.
type Config struct {
	Archive    string // source .ipa, or the bare binary in single-file mode
	Output     string // destination archive; derived from Archive when empty
	ScratchDir string // extraction directory; derived from Archive when empty

	BundleID        string // optional replacement CFBundleIdentifier
	Identity        string // identity reference handed to the authority
	Keychain        string // optional keychain for the codesign tool
	Entitlements    string // optional entitlements file for the main executable
	MobileProvision string // optional provisioning profile to embed

	Replace             bool // move the resigned archive over the source
	WithoutWatchApp     bool // strip the watch companion app before signing
	Parallel            bool // sign sweep members concurrently
	Verify              bool // verify each file after signing
	VerifyTwice         bool // run the verification pass a second time
	Lenient             bool // downgrade signing/verification failures to warnings
	AllowEncrypted      bool // tolerate an encrypted main executable
	ForceFamily         bool // force UIDeviceFamily to iPhone
	SelfSignedProvision bool // skip provisioning profile validation
	SingleFile          bool // sign Archive directly, no unpack/repack
}

// State names the phase a session is in. Transitions only move
// forward; any failure short-circuits to CleaningUp and then Ended.
type State int

const (
	StateCreated State = iota
	StateUnzipping
	StateLocating
	StateRewritingMetadata
	StateSigningPrimary
	StateSigningTree
	StateRepacking
	StateCleaningUp
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateUnzipping:
		return "unzipping"
	case StateLocating:
		return "locating"
	case StateRewritingMetadata:
		return "rewriting-metadata"
	case StateSigningPrimary:
		return "signing-primary"
	case StateSigningTree:
		return "signing-tree"
	case StateRepacking:
		return "repacking"
	case StateCleaningUp:
		return "cleaning-up"
	case StateEnded:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session drives one resigning run through its states. A session is
// single-use: create it, optionally set the event callbacks, call Run
// once. The error Run returns is the terminal outcome; interim progress
// arrives through OnMessage and OnWarning, which never terminate the
// session.
type Session struct {
	cfg       Config
	archiver  Archiver
	authority Authority

	// OnMessage and OnWarning receive progress events. They may be
	// called from multiple goroutines during a parallel sweep, but
	// never concurrently. Set them before calling Run.
	OnMessage func(string)
	OnWarning func(string)

	mu    sync.Mutex
	state State

	// runtime state, populated as the machine advances
	appPath      string
	execPath     string
	entitlements string
	failures     int
	warnings     int
}

// NewSession prepares a session. Output defaults to the archive name
// with a -resigned suffix; the scratch directory is derived from the
// archive path.
func NewSession(cfg Config, archiver Archiver, authority Authority) *Session {
	ext := filepath.Ext(cfg.Archive)
	if cfg.Output == "" {
		cfg.Output = strings.TrimSuffix(cfg.Archive, ext) + "-resigned" + ext
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = strings.TrimSuffix(cfg.Archive, ext) + ".extracted"
	}
	return &Session{
		cfg:       cfg,
		archiver:  archiver,
		authority: authority,
		state:     StateCreated,
	}
}

// State reports the session's current phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failures reports how many sweep members failed to sign. A session
// that ends without error but with a non-zero failure count produced a
// degraded archive.
func (s *Session) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Warnings reports how many warning events the session emitted.
func (s *Session) Warnings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warnings
}

// Run executes the session to its terminal state and returns the first
// fatal error, or nil on success. The scratch directory is removed on
// every exit path; a cleanup failure never masks the error that caused
// it. Run must be called at most once.
func (s *Session) Run(ctx context.Context) error {
	if s.cfg.SingleFile {
		err := s.signSingleFile(ctx)
		s.setState(StateEnded)
		return err
	}

	err := s.resign(ctx)
	if cerr := s.cleanup(); cerr != nil {
		if err == nil {
			err = cerr
		} else {
			s.messagef("%v", cerr)
		}
	}
	s.setState(StateEnded)
	return err
}

func (s *Session) resign(ctx context.Context) error {
	s.setState(StateUnzipping)
	s.messagef("extracting %s", s.cfg.Archive)
	if err := os.MkdirAll(s.cfg.ScratchDir, 0755); err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	if err := s.archiver.Extract(s.cfg.Archive, s.cfg.ScratchDir); err != nil {
		return fmt.Errorf("failed to extract %s: %w", s.cfg.Archive, err)
	}

	s.setState(StateLocating)
	appPath, err := LocateApp(filepath.Join(s.cfg.ScratchDir, "Payload"))
	if err != nil {
		return err
	}
	execPath, err := ExecutablePath(appPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.appPath = appPath
	s.execPath = execPath
	s.mu.Unlock()
	s.messagef("app bundle %s, main executable %s", filepath.Base(appPath), filepath.Base(execPath))

	// Metadata must hit the disk before the first signature: bytes
	// changed after signing would invalidate it.
	s.setState(StateRewritingMetadata)
	if err := s.rewriteMetadata(); err != nil {
		return err
	}

	s.setState(StateSigningPrimary)
	if err := s.signPrimary(ctx); err != nil {
		return err
	}

	s.setState(StateSigningTree)
	failed, err := s.sweep(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.failures = failed
	s.mu.Unlock()
	if failed > 0 {
		s.messagef("%d embedded binaries failed to sign", failed)
	}

	s.setState(StateRepacking)
	s.messagef("repacking %s", s.cfg.Output)
	if err := s.archiver.Compress(s.cfg.ScratchDir, s.cfg.Output); err != nil {
		return fmt.Errorf("failed to repack archive: %w", err)
	}
	if s.cfg.Replace {
		if err := os.Rename(s.cfg.Output, s.cfg.Archive); err != nil {
			return fmt.Errorf("failed to replace %s: %w", s.cfg.Archive, err)
		}
		s.messagef("replaced %s", s.cfg.Archive)
	} else {
		s.messagef("wrote %s", s.cfg.Output)
	}
	return nil
}

func (s *Session) rewriteMetadata() error {
	s.mu.Lock()
	s.entitlements = s.cfg.Entitlements
	appPath := s.appPath
	s.mu.Unlock()

	// The existing resource seal covers the files we are about to
	// mutate. Drop it; the signing authority regenerates it.
	sealDir := filepath.Join(appPath, codeSignatureDirName)
	if _, err := os.Stat(sealDir); err == nil {
		if err := os.RemoveAll(sealDir); err != nil {
			return fmt.Errorf("failed to remove stale %s: %w", codeSignatureDirName, err)
		}
		s.messagef("removed stale %s", codeSignatureDirName)
	}

	if s.cfg.BundleID != "" {
		if err := ApplyBundleID(appPath, s.cfg.BundleID); err != nil {
			return err
		}
		s.messagef("bundle id set to %s", s.cfg.BundleID)
	}
	if s.cfg.ForceFamily {
		if err := ForceDeviceFamily(appPath); err != nil {
			return err
		}
		s.messagef("device family forced to iPhone")
	}
	if s.cfg.WithoutWatchApp {
		removed, err := RemoveWatchApp(appPath)
		if err != nil {
			return err
		}
		for _, path := range removed {
			s.messagef("removed %s", path)
		}
	}
	if s.cfg.MobileProvision != "" {
		entPath, err := EmbedProvisioningProfile(appPath, s.cfg.MobileProvision, s.cfg.BundleID, s.cfg.SelfSignedProvision)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.entitlements = entPath
		s.mu.Unlock()
		s.messagef("entitlements synthesized from %s", filepath.Base(s.cfg.MobileProvision))
	}
	return nil
}

// signPrimary anchors the resign: the main executable is checked and
// signed before anything else, synchronously, so a broken app fails
// fast with a deterministic error.
func (s *Session) signPrimary(ctx context.Context) error {
	info := ClassifyFile(s.execPath)
	if !info.Native {
		return &StructuralError{Reason: s.execPath + " is not a Mach-O binary"}
	}
	if info.Encrypted {
		if !s.cfg.AllowEncrypted {
			return &EncryptedBinaryError{Path: s.execPath}
		}
		s.warnf("%s carries encryption metadata, signing anyway", filepath.Base(s.execPath))
	}
	s.messagef("signing %s", filepath.Base(s.execPath))
	return s.signFile(ctx, s.execPath, s.entitlements)
}

// signAndVerify is the per-file signing primitive shared by the
// primary executable, the sweep and single-file mode: sign, then
// optionally verify. Failure policy is the caller's business.
func (s *Session) signAndVerify(ctx context.Context, path, entitlementsPath string) error {
	if err := s.authority.Sign(ctx, s.cfg.Identity, entitlementsPath, path); err != nil {
		return err
	}
	if !s.cfg.Verify {
		return nil
	}
	passes := 1
	if s.cfg.VerifyTwice {
		passes = 2
	}
	for i := 0; i < passes; i++ {
		if err := s.authority.Verify(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// signFile wraps the primitive with the lenient policy for the primary
// executable and single-file mode. Sweep members never come through
// here: their failures are always counted and warned, lenient or not.
func (s *Session) signFile(ctx context.Context, path, entitlementsPath string) error {
	err := s.signAndVerify(ctx, path, entitlementsPath)
	if err != nil && s.cfg.Lenient {
		s.warnf("%v", err)
		return nil
	}
	return err
}

// signSingleFile bypasses unpack, locate and repack: the configured
// path is signed directly through the per-file primitive.
func (s *Session) signSingleFile(ctx context.Context) error {
	s.setState(StateSigningPrimary)
	info := ClassifyFile(s.cfg.Archive)
	if !info.Native {
		return &StructuralError{Reason: s.cfg.Archive + " is not a Mach-O binary"}
	}
	if info.Encrypted {
		if !s.cfg.AllowEncrypted {
			return &EncryptedBinaryError{Path: s.cfg.Archive}
		}
		s.warnf("%s carries encryption metadata, signing anyway", filepath.Base(s.cfg.Archive))
	}
	s.messagef("signing %s", s.cfg.Archive)
	return s.signFile(ctx, s.cfg.Archive, s.cfg.Entitlements)
}

func (s *Session) cleanup() error {
	s.setState(StateCleaningUp)
	if err := os.RemoveAll(s.cfg.ScratchDir); err != nil {
		return &CleanupError{Dir: s.cfg.ScratchDir, Err: err}
	}
	return nil
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

func (s *Session) messagef(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OnMessage != nil {
		s.OnMessage(fmt.Sprintf(format, args...))
	}
}

func (s *Session) warnf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings++
	if s.OnWarning != nil {
		s.OnWarning(fmt.Sprintf(format, args...))
	}
}
