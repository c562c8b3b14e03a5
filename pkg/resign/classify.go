package resign

import (
	"bytes"
	"io"
	"os"

	"github.com/blacktop/go-macho"
)

// BinaryInfo is the classifier's verdict on a file.
type BinaryInfo struct {
	Native    bool // Mach-O image or fat container
	Fat       bool // multi-architecture container
	Encrypted bool // some image carries LC_ENCRYPTION_INFO with a non-zero crypt id
}

// ClassifyData inspects a raw byte buffer. Only the first 4 bytes are
// needed for the Mach-O check; the encryption probe wants the full
// contents and silently reports false on anything go-macho cannot
// parse. Classification never fails.
//
// Magic numbers as they appear on disk:
//
//	MH_MAGIC_64  = 0xfeedfacf (little endian: cf fa ed fe)
//	MH_MAGIC     = 0xfeedface (little endian: ce fa ed fe)
//	FAT_MAGIC    = 0xcafebabe (big endian: ca fe ba be)
//	FAT_MAGIC_64 = 0xcafebabf (big endian: ca fe ba bf)
func ClassifyData(data []byte) BinaryInfo {
	var info BinaryInfo
	if len(data) < 4 {
		return info
	}
	switch {
	case data[0] == 0xcf && data[1] == 0xfa && data[2] == 0xed && data[3] == 0xfe:
		info.Native = true
	case data[0] == 0xce && data[1] == 0xfa && data[2] == 0xed && data[3] == 0xfe:
		info.Native = true
	case data[0] == 0xca && data[1] == 0xfe && data[2] == 0xba && (data[3] == 0xbe || data[3] == 0xbf):
		info.Native = true
		info.Fat = true
	default:
		return info
	}
	info.Encrypted = probeEncryption(data)
	return info
}

// ClassifyFile classifies the file at path. A missing, unreadable or
// truncated file classifies as not-native.
func ClassifyFile(path string) BinaryInfo {
	f, err := os.Open(path)
	if err != nil {
		return BinaryInfo{}
	}
	magic := make([]byte, 4)
	_, err = io.ReadFull(f, magic)
	f.Close()
	if err != nil || !ClassifyData(magic).Native {
		return BinaryInfo{}
	}
	// The encryption probe needs the whole file, not just the magic.
	data, err := os.ReadFile(path)
	if err != nil {
		return BinaryInfo{}
	}
	return ClassifyData(data)
}

func probeEncryption(data []byte) bool {
	if m, err := macho.NewFile(bytes.NewReader(data)); err == nil {
		encrypted := imageEncrypted(m)
		m.Close()
		return encrypted
	}
	fat, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return false
	}
	defer fat.Close()
	for _, arch := range fat.Arches {
		end := uint64(arch.Offset) + uint64(arch.Size)
		if end > uint64(len(data)) {
			continue
		}
		m, err := macho.NewFile(bytes.NewReader(data[arch.Offset:end]))
		if err != nil {
			continue
		}
		encrypted := imageEncrypted(m)
		m.Close()
		if encrypted {
			return true
		}
	}
	return false
}

func imageEncrypted(m *macho.File) bool {
	for _, load := range m.Loads {
		switch enc := load.(type) {
		case *macho.EncryptionInfo:
			if enc.CryptID != 0 {
				return true
			}
		case *macho.EncryptionInfo64:
			if enc.CryptID != 0 {
				return true
			}
		}
	}
	return false
}
