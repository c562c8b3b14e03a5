package resign

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/pkg/codesign"
	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
	"github.com/blacktop/go-macho/types"
	"go.mozilla.org/pkcs7"
)

// NativeAuthority signs Mach-O binaries directly, without Apple's
// codesign tool, so resigning works on Linux and Windows too. The
// identity is fixed at construction; the per-call identity reference is
// ignored.
type NativeAuthority struct {
	Identity *SigningIdentity
	// DefaultBundleID is the signing identifier used when a binary has
	// no Info.plist of its own in a parent directory.
	DefaultBundleID string
}

// NewNativeAuthority loads an identity from a .p12 blob or PEM key and,
// when a profile is given, checks the certificate against it.
func NewNativeAuthority(p12Data []byte, password string, profile *ProvisioningProfile) (*NativeAuthority, error) {
	var identity *SigningIdentity
	var err error
	if profile != nil {
		identity, err = LoadSigningIdentityWithProfile(p12Data, password, profile)
	} else {
		identity, err = LoadSigningIdentity(p12Data, password)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load signing identity: %w", err)
	}
	if profile != nil && !profile.MatchesCertificate(identity.Certificate) {
		return nil, fmt.Errorf("certificate does not match provisioning profile")
	}
	return &NativeAuthority{Identity: identity}, nil
}

func (a *NativeAuthority) Sign(ctx context.Context, _ string, entitlementsPath, target string) error {
	var entitlements []byte
	if entitlementsPath != "" {
		var err error
		entitlements, err = os.ReadFile(entitlementsPath)
		if err != nil {
			return &SigningError{Path: target, Err: fmt.Errorf("failed to read entitlements: %w", err)}
		}
	}
	// A bundle-root binary is sealed against its resources, so the
	// CodeResources file must reflect the bundle as signed.
	dir := filepath.Dir(target)
	if _, err := os.Stat(filepath.Join(dir, "Info.plist")); err == nil {
		if err := WriteCodeResources(dir); err != nil {
			return &SigningError{Path: target, Err: err}
		}
	}
	bundleID := bundleIDForBinary(target, a.DefaultBundleID)
	if err := signMachOFile(target, a.Identity, entitlements, bundleID); err != nil {
		return &SigningError{Path: target, Err: err}
	}
	return nil
}

func (a *NativeAuthority) Verify(ctx context.Context, target string) error {
	data, err := os.ReadFile(target)
	if err != nil {
		return &VerificationError{Path: target, Err: err}
	}
	if err := verifyMachO(data); err != nil {
		return &VerificationError{Path: target, Err: err}
	}
	return nil
}

func (a *NativeAuthority) Identities(ctx context.Context) ([]Identity, error) {
	if a.Identity == nil || a.Identity.Certificate == nil {
		return nil, fmt.Errorf("no identity loaded")
	}
	return []Identity{{
		Hash: a.Identity.Fingerprint(),
		Name: a.Identity.Certificate.Subject.CommonName,
	}}, nil
}

// bundleIDForBinary finds the signing identifier for an embedded
// binary by reading the nearest Info.plist above it.
func bundleIDForBinary(binaryPath, fallback string) string {
	dir := filepath.Dir(binaryPath)
	for i := 0; i < 5; i++ {
		if id, err := BundleID(dir); err == nil {
			return id
		}
		dir = filepath.Dir(dir)
	}
	return fallback
}

// signMachOFile signs a thin or fat Mach-O in place.
func signMachOFile(path string, identity *SigningIdentity, entitlements []byte, bundleID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	m, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return signFatMachO(path, data, identity, entitlements, bundleID)
	}
	defer m.Close()

	signed, err := signThinMachO(data, m, identity, entitlements, bundleID)
	if err != nil {
		return err
	}
	return os.WriteFile(path, signed, 0755)
}

func signThinMachO(data []byte, m *macho.File, identity *SigningIdentity, entitlements []byte, bundleID string) ([]byte, error) {
	var textOffset, textSize uint64
	var linkeditSegOffset uint32 // offset of the __LINKEDIT segment command in the file
	var linkeditFileoff uint64
	is64 := m.Magic == types.Magic64

	headerSize := uint32(32)
	if m.Magic == types.Magic32 {
		headerSize = 28
	}

	cmdOffset := headerSize
	for _, load := range m.Loads {
		if seg, ok := load.(*macho.Segment); ok {
			switch seg.Name {
			case "__TEXT":
				textOffset = seg.Offset
				textSize = seg.Filesz
			case "__LINKEDIT":
				linkeditSegOffset = cmdOffset
				linkeditFileoff = seg.Offset
			}
		}
		cmdOffset += load.LoadSize()
	}

	// An existing LC_CODE_SIGNATURE tells us where the code ends and
	// where to patch the new signature's offset and size.
	codeSize := uint64(len(data))
	var csLoadCmdOffset uint32
	hasExistingCS := false
	cmdOffset = headerSize
	for _, load := range m.Loads {
		if cs, ok := load.(*macho.CodeSignature); ok {
			codeSize = uint64(cs.Offset)
			csLoadCmdOffset = cmdOffset
			hasExistingCS = true
			break
		}
		cmdOffset += load.LoadSize()
	}
	if !hasExistingCS {
		return nil, fmt.Errorf("no LC_CODE_SIGNATURE load command found, adding one is not supported")
	}

	// Ad-hoc only when there is no certificate to sign with.
	flags := ctypes.NONE
	if len(identity.CertChain) == 0 {
		flags = ctypes.ADHOC
	}

	// The DER form is required so the signature carries 7 special
	// slots and the hash offsets line up.
	var entitlementsDER []byte
	if len(entitlements) > 0 {
		if entMap, err := ParseEntitlementsXML(entitlements); err == nil {
			entitlementsDER, _ = EntitlementsToDER(entMap)
		}
	}

	config := &codesign.Config{
		ID:              bundleID,
		TeamID:          identity.TeamID,
		IsMain:          true,
		Flags:           flags,
		CodeSize:        codeSize,
		TextOffset:      textOffset,
		TextSize:        textSize,
		Entitlements:    entitlements,
		EntitlementsDER: entitlementsDER,
		CertChain:       identity.CertChain,
		SignerFunction:  cmsSigner(identity),
	}
	config.InitSlotHashes()
	if len(entitlements) > 0 {
		config.SpecialSlots = make([]ctypes.SpecialSlot, 7)
	}

	// The page hashes must cover the final header bytes, so the load
	// commands are patched before hashing, against an estimated
	// signature size rounded up to 16KB.
	estimatedSigSize := codesign.EstimateCodeSignatureSize(config)
	estimatedSigSize = ((estimatedSigSize + 0x3fff) / 0x4000) * 0x4000

	patched := make([]byte, codeSize)
	copy(patched, data[:codeSize])

	// LC_CODE_SIGNATURE: dataoff, datasize.
	binary.LittleEndian.PutUint32(patched[csLoadCmdOffset+8:], uint32(codeSize))
	binary.LittleEndian.PutUint32(patched[csLoadCmdOffset+12:], uint32(estimatedSigSize))

	// __LINKEDIT must describe the file layout including the new
	// signature or iOS rejects the binary.
	if linkeditSegOffset > 0 {
		newLinkeditFilesize := codeSize + estimatedSigSize - linkeditFileoff
		newLinkeditVmsize := ((newLinkeditFilesize + 0xfff) / 0x1000) * 0x1000
		if is64 {
			// segment_command_64: vmsize at +24, filesize at +40
			binary.LittleEndian.PutUint64(patched[linkeditSegOffset+24:], newLinkeditVmsize)
			binary.LittleEndian.PutUint64(patched[linkeditSegOffset+40:], newLinkeditFilesize)
		} else {
			// segment_command: vmsize at +28, filesize at +36
			binary.LittleEndian.PutUint32(patched[linkeditSegOffset+28:], uint32(newLinkeditVmsize))
			binary.LittleEndian.PutUint32(patched[linkeditSegOffset+36:], uint32(newLinkeditFilesize))
		}
	}

	signature, err := codesign.Sign(bytes.NewReader(patched), config)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Pad to the size the load command advertises and fix up the
	// SuperBlob length to match.
	if uint64(len(signature)) < estimatedSigSize {
		padded := make([]byte, estimatedSigSize)
		copy(padded, signature)
		signature = padded
	}
	if len(signature) >= 8 {
		binary.BigEndian.PutUint32(signature[4:], uint32(len(signature)))
	}

	result := make([]byte, codeSize+uint64(len(signature)))
	copy(result, patched)
	copy(result[codeSize:], signature)
	return result, nil
}

func signFatMachO(path string, data []byte, identity *SigningIdentity, entitlements []byte, bundleID string) error {
	fat, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to parse as fat binary: %w", err)
	}
	defer fat.Close()

	signedArches := make([][]byte, len(fat.Arches))
	for i, arch := range fat.Arches {
		archData := data[arch.Offset : uint64(arch.Offset)+uint64(arch.Size)]
		m, err := macho.NewFile(bytes.NewReader(archData))
		if err != nil {
			return fmt.Errorf("failed to parse arch %d: %w", i, err)
		}
		signed, err := signThinMachO(archData, m, identity, entitlements, bundleID)
		m.Close()
		if err != nil {
			return fmt.Errorf("failed to sign arch %d: %w", i, err)
		}
		signedArches[i] = signed
	}

	// Rebuild the fat container: 8-byte header plus 20 bytes per arch,
	// slices aligned to 16KB.
	const alignment = 0x4000
	headerSize := 8 + len(fat.Arches)*20
	offsets := make([]uint32, len(fat.Arches))
	current := uint32(headerSize)
	for i := range signedArches {
		if current%alignment != 0 {
			current = ((current / alignment) + 1) * alignment
		}
		offsets[i] = current
		current += uint32(len(signedArches[i]))
	}

	result := make([]byte, current)
	binary.BigEndian.PutUint32(result[0:], 0xcafebabe) // FAT_MAGIC
	binary.BigEndian.PutUint32(result[4:], uint32(len(fat.Arches)))
	for i, arch := range fat.Arches {
		base := 8 + i*20
		binary.BigEndian.PutUint32(result[base+0:], uint32(arch.CPU))
		binary.BigEndian.PutUint32(result[base+4:], uint32(arch.SubCPU))
		binary.BigEndian.PutUint32(result[base+8:], offsets[i])
		binary.BigEndian.PutUint32(result[base+12:], uint32(len(signedArches[i])))
		binary.BigEndian.PutUint32(result[base+16:], uint32(arch.Align))
	}
	for i, archData := range signedArches {
		copy(result[offsets[i]:], archData)
	}

	return os.WriteFile(path, result, 0755)
}

// cmsSigner wraps the identity in the CMS callback go-macho expects.
func cmsSigner(identity *SigningIdentity) func([]byte) ([]byte, error) {
	return func(codeDirectoryData []byte) ([]byte, error) {
		signedData, err := pkcs7.NewSignedData(codeDirectoryData)
		if err != nil {
			return nil, fmt.Errorf("failed to create signed data: %w", err)
		}
		rsaKey, ok := identity.PrivateKey.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", identity.PrivateKey)
		}
		if err := signedData.AddSigner(identity.Certificate, rsaKey, pkcs7.SignerInfoConfig{}); err != nil {
			return nil, fmt.Errorf("failed to add signer: %w", err)
		}
		return signedData.Finish()
	}
}

// Code signature blob constants.
const (
	csMagicEmbeddedSignature = 0xfade0cc0
	csMagicCodeDirectory     = 0xfade0c02
	csSlotCodeDirectory      = 0
	csHashTypeSHA1           = 1
	csHashTypeSHA256         = 2
)

// verifyMachO re-hashes every code page of every slice against the
// embedded CodeDirectory.
func verifyMachO(data []byte) error {
	info := ClassifyData(data)
	if !info.Native {
		return fmt.Errorf("not a Mach-O binary")
	}
	if !info.Fat {
		return verifySlice(data)
	}

	fat, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to parse fat binary: %w", err)
	}
	defer fat.Close()
	for i, arch := range fat.Arches {
		end := uint64(arch.Offset) + uint64(arch.Size)
		if end > uint64(len(data)) {
			return fmt.Errorf("arch %d extends beyond file", i)
		}
		if err := verifySlice(data[arch.Offset:end]); err != nil {
			return fmt.Errorf("arch %d: %w", i, err)
		}
	}
	return nil
}

func verifySlice(data []byte) error {
	m, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()

	var sigOffset, sigSize uint32
	for _, load := range m.Loads {
		if cs, ok := load.(*macho.CodeSignature); ok {
			sigOffset = cs.Offset
			sigSize = cs.Size
			break
		}
	}
	if sigSize == 0 {
		return fmt.Errorf("no code signature found")
	}
	if uint64(sigOffset)+uint64(sigSize) > uint64(len(data)) {
		return fmt.Errorf("code signature extends beyond file")
	}
	sig := data[sigOffset : sigOffset+sigSize]

	if len(sig) < 12 || binary.BigEndian.Uint32(sig[0:4]) != csMagicEmbeddedSignature {
		return fmt.Errorf("invalid signature SuperBlob")
	}
	blobCount := binary.BigEndian.Uint32(sig[8:12])
	if uint32(len(sig)) < 12+blobCount*8 {
		return fmt.Errorf("truncated blob index")
	}

	for i := uint32(0); i < blobCount; i++ {
		entry := 12 + i*8
		blobType := binary.BigEndian.Uint32(sig[entry:])
		blobOffset := binary.BigEndian.Uint32(sig[entry+4:])
		if blobType != csSlotCodeDirectory {
			continue
		}
		if uint64(blobOffset)+44 > uint64(len(sig)) {
			return fmt.Errorf("truncated CodeDirectory")
		}
		return verifyCodeDirectory(data, sig[blobOffset:])
	}
	return fmt.Errorf("signature has no CodeDirectory")
}

// verifyCodeDirectory checks every page hash in one CodeDirectory blob
// against the code it covers.
func verifyCodeDirectory(data, cd []byte) error {
	if binary.BigEndian.Uint32(cd[0:4]) != csMagicCodeDirectory {
		return fmt.Errorf("invalid CodeDirectory magic")
	}
	length := binary.BigEndian.Uint32(cd[4:8])
	if uint64(length) > uint64(len(cd)) {
		return fmt.Errorf("truncated CodeDirectory")
	}
	hashOffset := binary.BigEndian.Uint32(cd[16:20])
	nCodeSlots := binary.BigEndian.Uint32(cd[28:32])
	codeLimit := binary.BigEndian.Uint32(cd[32:36])
	hashSize := uint32(cd[36])
	hashType := cd[37]
	pageSize := uint32(1) << cd[39]

	if uint64(codeLimit) > uint64(len(data)) {
		return fmt.Errorf("code limit extends beyond file")
	}
	if uint64(hashOffset)+uint64(nCodeSlots)*uint64(hashSize) > uint64(length) {
		return fmt.Errorf("hash table extends beyond CodeDirectory")
	}

	for i := uint32(0); i < nCodeSlots; i++ {
		start := i * pageSize
		end := start + pageSize
		if end > codeLimit {
			end = codeLimit
		}
		var digest []byte
		switch hashType {
		case csHashTypeSHA256:
			sum := sha256.Sum256(data[start:end])
			digest = sum[:]
		case csHashTypeSHA1:
			sum := sha1.Sum(data[start:end])
			digest = sum[:]
		default:
			return fmt.Errorf("unsupported hash type %d", hashType)
		}
		expected := cd[hashOffset+i*hashSize : hashOffset+(i+1)*hashSize]
		if !bytes.Equal(digest[:hashSize], expected) {
			return fmt.Errorf("code page %d hash mismatch", i)
		}
	}
	return nil
}
