package resign

import "fmt"

// StructuralError reports an archive whose layout does not match a
// signable application: a missing Payload directory, zero or multiple
// .app bundles, or a main executable that is absent or not a regular
// file. Structural errors always abort the session.
type StructuralError struct {
	Reason string
}

func (e *StructuralError) Error() string {
	return "invalid app structure: " + e.Reason
}

// EncryptedBinaryError reports a main executable that still carries
// FairPlay encryption metadata. Resigning such a binary produces an app
// that cannot launch, so the session aborts unless Config.AllowEncrypted
// is set.
type EncryptedBinaryError struct {
	Path string
}

func (e *EncryptedBinaryError) Error() string {
	return fmt.Sprintf("%s is encrypted and cannot be resigned", e.Path)
}

// SigningError reports that the signing authority rejected one file.
type SigningError struct {
	Path string
	Err  error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("failed to sign %s: %v", e.Path, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// VerificationError reports that a freshly written signature did not
// verify.
type VerificationError struct {
	Path string
	Err  error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("signature verification failed for %s: %v", e.Path, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// CleanupError reports a failure to remove the session's scratch
// directory. It never masks the error that triggered cleanup; it only
// becomes the session's terminal error when the run was otherwise
// successful.
type CleanupError struct {
	Dir string
	Err error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("failed to clean up %s: %v", e.Dir, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }
