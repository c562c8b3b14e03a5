package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aluedeke/go-resign/pkg/resign"
	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"
)

const version = "1.0.0"

const usage = `go-resign - iOS IPA resigning tool

Resigns an IPA (or a single Mach-O binary) with a new signing identity,
optionally rewriting its bundle id and embedding a fresh provisioning
profile. Signatures come from Apple's codesign tool by default, or from
the built-in signer when a P12 certificate is given.

Usage:
  go-resign [options] <archive>
  go-resign -L | --identities
  go-resign -h | --help
  go-resign --version

Options:
  -b --bundleid=<id>         New bundle identifier to apply
  -e --entitlements=<path>   Entitlements file for the main executable
  -i --identity=<ref>        Signing identity name or SHA-1 hash (or CODESIGN_IDENTITY)
  -k --keychain=<path>       Keychain to resolve the identity from (or CODESIGN_KEYCHAIN)
  -m --mobileprovision=<p>   Provisioning profile to embed (or CODESIGN_PROFILE)
  -o --output=<path>         Output archive path (defaults to input-resigned.ipa)
  -r --replace               Replace the input archive with the resigned one
  -s --single                Input is a bare Mach-O binary, sign it directly
  -p --parallel              Sign embedded binaries concurrently
  -v --verify                Verify each file after signing
  --verify-twice             Run the verification pass twice
  --lenient                  Downgrade signing and verification failures to warnings
  --allow-encrypted          Tolerate an encrypted main executable
  -f --force-family          Force UIDeviceFamily to iPhone
  -w --without-watchapp      Strip the watch companion app before signing
  -S --self-signed-provision Skip provisioning profile validation
  --p12=<path>               P12 certificate or PEM key for the built-in signer (or CODESIGN_P12)
  --password=<pw>            P12 password (or CODESIGN_PASSWORD)
  -L --identities            List available signing identities and exit
  -h --help                  Show this help message
  --version                  Show version

Environment Variables:
  CODESIGN_IDENTITY          Signing identity (overridden by --identity)
  CODESIGN_KEYCHAIN          Keychain path (overridden by --keychain)
  CODESIGN_PROFILE           Provisioning profile path (overridden by --mobileprovision)
  CODESIGN_P12               P12 certificate path (overridden by --p12)
  CODESIGN_PASSWORD          P12 password (overridden by --password)

Examples:
  # Resign with a keychain identity
  go-resign -i "Apple Development: Jane Doe (TEAM123456)" -m dev.mobileprovision app.ipa

  # Resign with a new bundle id, replacing the input archive
  go-resign -i JANE -b com.example.newapp -r app.ipa

  # Resign on Linux with the built-in signer
  go-resign --p12 cert.p12 --password secret -m dev.mobileprovision app.ipa

  # Sign one dylib directly
  go-resign -s -i JANE Lib.dylib

  # List signing identities
  go-resign -L
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if list, _ := opts.Bool("--identities"); list {
		if err := runIdentities(opts); err != nil {
			log.Error().Err(err).Msg("listing identities failed")
			os.Exit(1)
		}
		return
	}

	if err := runResign(opts, log); err != nil {
		log.Error().Err(err).Msg("resign failed")
		os.Exit(1)
	}
}

func envDefault(value, envKey string) string {
	if value != "" {
		return value
	}
	return os.Getenv(envKey)
}

// buildAuthority picks the signing backend: Apple's codesign tool by
// default, the built-in Mach-O signer when a P12 is configured.
func buildAuthority(opts docopt.Opts, cfg *resign.Config) (resign.Authority, error) {
	p12Path, _ := opts.String("--p12")
	p12Path = envDefault(p12Path, "CODESIGN_P12")
	if p12Path == "" {
		return &resign.CodesignAuthority{Keychain: cfg.Keychain}, nil
	}

	password, _ := opts.String("--password")
	password = envDefault(password, "CODESIGN_PASSWORD")

	p12Data, err := os.ReadFile(p12Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read P12 file: %w", err)
	}

	var profile *resign.ProvisioningProfile
	if cfg.MobileProvision != "" && !cfg.SelfSignedProvision {
		profileData, err := os.ReadFile(cfg.MobileProvision)
		if err != nil {
			return nil, fmt.Errorf("failed to read provisioning profile: %w", err)
		}
		profile, err = resign.ParseProvisioningProfile(profileData)
		if err != nil {
			return nil, err
		}
	}

	authority, err := resign.NewNativeAuthority(p12Data, password, profile)
	if err != nil {
		return nil, err
	}
	authority.DefaultBundleID = cfg.BundleID
	return authority, nil
}

func runResign(opts docopt.Opts, log zerolog.Logger) error {
	cfg := resign.Config{}
	cfg.Archive, _ = opts.String("<archive>")
	cfg.Output, _ = opts.String("--output")
	cfg.BundleID, _ = opts.String("--bundleid")
	cfg.Identity, _ = opts.String("--identity")
	cfg.Keychain, _ = opts.String("--keychain")
	cfg.Entitlements, _ = opts.String("--entitlements")
	cfg.MobileProvision, _ = opts.String("--mobileprovision")
	cfg.Replace, _ = opts.Bool("--replace")
	cfg.SingleFile, _ = opts.Bool("--single")
	cfg.Parallel, _ = opts.Bool("--parallel")
	cfg.Verify, _ = opts.Bool("--verify")
	cfg.VerifyTwice, _ = opts.Bool("--verify-twice")
	cfg.Lenient, _ = opts.Bool("--lenient")
	cfg.AllowEncrypted, _ = opts.Bool("--allow-encrypted")
	cfg.ForceFamily, _ = opts.Bool("--force-family")
	cfg.WithoutWatchApp, _ = opts.Bool("--without-watchapp")
	cfg.SelfSignedProvision, _ = opts.Bool("--self-signed-provision")

	cfg.Identity = envDefault(cfg.Identity, "CODESIGN_IDENTITY")
	cfg.Keychain = envDefault(cfg.Keychain, "CODESIGN_KEYCHAIN")
	cfg.MobileProvision = envDefault(cfg.MobileProvision, "CODESIGN_PROFILE")

	if cfg.VerifyTwice {
		cfg.Verify = true
	}

	authority, err := buildAuthority(opts, &cfg)
	if err != nil {
		return err
	}

	session := resign.NewSession(cfg, resign.ZipArchiver{}, authority)
	session.OnMessage = func(msg string) { log.Info().Msg(msg) }
	session.OnWarning = func(msg string) { log.Warn().Msg(msg) }

	return session.Run(context.Background())
}

func runIdentities(opts docopt.Opts) error {
	cfg := resign.Config{}
	cfg.Keychain, _ = opts.String("--keychain")
	cfg.Keychain = envDefault(cfg.Keychain, "CODESIGN_KEYCHAIN")

	authority, err := buildAuthority(opts, &cfg)
	if err != nil {
		return err
	}

	identities, err := authority.Identities(context.Background())
	if err != nil {
		return err
	}
	for _, id := range identities {
		fmt.Printf("%s %s\n", id.Hash, id.Name)
	}
	return nil
}
