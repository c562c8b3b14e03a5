// Package resign rewrites the trust chain of a packaged iOS app: it
// unpacks an .ipa, rewrites bundle metadata and entitlements, signs the
// main executable and every embedded Mach-O binary with a new identity,
// and repacks the result.
//
// The package implements the policy of resigning, not the cryptography.
// Signatures come from an Authority: CodesignAuthority shells out to
// Apple's codesign tool, NativeAuthority signs Mach-O files directly so
// resigning also works off-Mac.
//
// # Basic usage
//
//	session := resign.NewSession(resign.Config{
//	    Archive:  "app.ipa",
//	    Identity: "Apple Development: Jane Doe (TEAM123456)",
//	}, resign.ZipArchiver{}, &resign.CodesignAuthority{})
//	session.OnWarning = func(msg string) { log.Print(msg) }
//	err := session.Run(context.Background())
//
// A session runs to a terminal state once started and removes its
// extraction scratch directory on every exit path.
package resign
