package manifest

import (
	"bytes"
	"fmt"
	"io"
)

// wasmMagic and wasmVersion are the fixed 8-byte header every module begins with.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}
var wasmVersion = []byte{0x01, 0x00, 0x00, 0x00}

const importSectionID = 2

// importKind mirrors the WebAssembly import-entry "external kind" byte.
type importKind byte

const (
	importKindFunc   importKind = 0
	importKindTable  importKind = 1
	importKindMemory importKind = 2
	importKindGlobal importKind = 3
)

// FindForbiddenImport scans a WASM module's import section for an
// imported field whose name begins with any of the forbidden prefixes
// (the host-function namespaces a mapping must not call directly, e.g.
// "ipfs" or "ens"). It returns the first offending field name found, in
// import-declaration order, or ok=false if none match.
//
// Only the import section's structure is decoded; code, data, and other
// sections are skipped by length without interpretation.
func FindForbiddenImport(wasm []byte, forbiddenPrefixes []string) (field string, ok bool, err error) {
	r := bytes.NewReader(wasm)

	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return "", false, fmt.Errorf("parse wasm: truncated header: %w", err)
	}
	if !bytes.Equal(header[:4], wasmMagic) || !bytes.Equal(header[4:], wasmVersion) {
		return "", false, fmt.Errorf("parse wasm: bad magic/version header")
	}

	for {
		id, err := r.ReadByte()
		if err == io.EOF {
			return "", false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("parse wasm: reading section id: %w", err)
		}
		size, err := readULEB128(r)
		if err != nil {
			return "", false, fmt.Errorf("parse wasm: reading section size: %w", err)
		}

		if id != importSectionID {
			if _, err := r.Seek(int64(size), io.SeekCurrent); err != nil {
				return "", false, fmt.Errorf("parse wasm: skipping section: %w", err)
			}
			continue
		}

		sectionStart := r.Len()
		count, err := readULEB128(r)
		if err != nil {
			return "", false, fmt.Errorf("parse wasm: reading import count: %w", err)
		}
		for i := uint64(0); i < count; i++ {
			_, field, err := readImportEntry(r)
			if err != nil {
				return "", false, fmt.Errorf("parse wasm: reading import %d: %w", i, err)
			}
			for _, prefix := range forbiddenPrefixes {
				if len(field) >= len(prefix) && field[:len(prefix)] == prefix {
					return field, true, nil
				}
			}
		}
		// Skip any trailing bytes in the section we didn't need to interpret.
		consumed := sectionStart - r.Len()
		if remaining := int(size) - consumed; remaining > 0 {
			if _, err := r.Seek(int64(remaining), io.SeekCurrent); err != nil {
				return "", false, fmt.Errorf("parse wasm: skipping import section remainder: %w", err)
			}
		}
		return "", false, nil
	}
}

func readImportEntry(r *bytes.Reader) (module, field string, err error) {
	module, err = readWasmName(r)
	if err != nil {
		return "", "", fmt.Errorf("module name: %w", err)
	}
	field, err = readWasmName(r)
	if err != nil {
		return "", "", fmt.Errorf("field name: %w", err)
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return "", "", fmt.Errorf("kind byte: %w", err)
	}
	switch importKind(kindByte) {
	case importKindFunc:
		if _, err := readULEB128(r); err != nil {
			return "", "", fmt.Errorf("function type index: %w", err)
		}
	case importKindTable:
		if _, err := r.ReadByte(); err != nil { // element type
			return "", "", fmt.Errorf("table element type: %w", err)
		}
		if err := skipLimits(r); err != nil {
			return "", "", fmt.Errorf("table limits: %w", err)
		}
	case importKindMemory:
		if err := skipLimits(r); err != nil {
			return "", "", fmt.Errorf("memory limits: %w", err)
		}
	case importKindGlobal:
		if _, err := r.ReadByte(); err != nil { // value type
			return "", "", fmt.Errorf("global value type: %w", err)
		}
		if _, err := r.ReadByte(); err != nil { // mutability
			return "", "", fmt.Errorf("global mutability: %w", err)
		}
	default:
		return "", "", fmt.Errorf("unknown import kind %d", kindByte)
	}
	return module, field, nil
}

func skipLimits(r *bytes.Reader) error {
	flags, err := r.ReadByte()
	if err != nil {
		return err
	}
	if _, err := readULEB128(r); err != nil { // minimum
		return err
	}
	if flags&0x1 != 0 {
		if _, err := readULEB128(r); err != nil { // maximum
			return err
		}
	}
	return nil
}

func readWasmName(r *bytes.Reader) (string, error) {
	length, err := readULEB128(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// readULEB128 decodes an unsigned LEB128 varint, the integer encoding
// used throughout the WebAssembly binary format.
func readULEB128(r io.ByteReader) (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if shift >= 64 {
			return 0, fmt.Errorf("leb128 varint too long")
		}
	}
	return result, nil
}
