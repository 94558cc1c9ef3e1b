// Package module implements the hot-swappable module manager: image
// validation, load/unload/hot-swap, dependency resolution, and symbol
// lookup.
package module

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/vireonos/kernel/internal/kernelutil"
)

// Magic is the bit-exact module image magic: "MOD\0" read little-endian.
const Magic uint32 = 0x004D4F44

// HeaderVersion is the only header layout version this manager understands.
const HeaderVersion uint32 = 1

// Size limits from the external interface contract.
const (
	MaxImageSize   = 1 << 20 // 1 MiB
	MaxSectionSize = 1 << 20 // 1 MiB
	NameSize       = 64
	DescSize       = 256
	AuthorSize     = 128
	LicenseSize    = 64
	// HeaderSize is the encoded header length: magic, header version,
	// the module version as three u32 fields (major, minor, patch), the
	// four fixed-width strings, type, priority, flags, and the eleven
	// u32 fields from code size through signature.
	HeaderSize = 4 + 4 + 3*4 + NameSize + DescSize + AuthorSize + LicenseSize +
		1 + 1 + 2 + 11*4
)

// Flags, bit-exact per §6.
type Flags uint16

const (
	FlagCore       Flags = 0x01
	FlagAutoStart  Flags = 0x02
	FlagHotSwap    Flags = 0x04
	FlagMonitored  Flags = 0x08
	FlagPrivileged Flags = 0x10
	FlagPersistent Flags = 0x20
)

// Type tags a module's domain.
type Type uint8

const (
	TypeDriver Type = iota
	TypeFilesystem
	TypeNetwork
	TypeScheduler
	TypeMemory
	TypeSecurity
	TypeSupervisor
	TypeUser
	TypeMisc
)

// Version is a three-part module version.
type Version struct {
	Major, Minor, Patch uint32
}

// Less reports whether v is strictly below o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}

func (v Version) Greater(o Version) bool { return o.Less(v) }

// Dependency is a (name, version-bound, optional) tuple.
type Dependency struct {
	Name       string
	MinVersion Version
	MaxVersion Version
	Optional   bool
}

// Satisfied reports whether candidate's version falls within [min, max].
func (d Dependency) Satisfied(candidate Version) bool {
	if d.MinVersion != (Version{}) && candidate.Less(d.MinVersion) {
		return false
	}
	if d.MaxVersion != (Version{}) && candidate.Greater(d.MaxVersion) {
		return false
	}
	return true
}

// Header is the bit-exact module image header, little-endian fields
// in the order the external interface mandates.
type Header struct {
	Magic           uint32
	HeaderVersion   uint32
	ModuleVersion   Version
	Name            string
	Description     string
	Author          string
	License         string
	Type            Type
	Priority        uint8
	Flags           Flags
	CodeSize        uint32
	DataSize        uint32
	BSSSize         uint32
	EntryOffset     uint32
	ExitOffset      uint32
	SymbolCount     uint32
	SymbolTableOff  uint32
	DepCount        uint32
	DepTableOff     uint32
	Checksum        uint32
	Signature       uint32
}

// Symbol is an exported name/offset pair.
type Symbol struct {
	Name   string
	Offset uint32
}

// Image is a validated, parsed module image: header plus raw code and
// data sections (bss is implicit, never stored).
type Image struct {
	Header       Header
	Code         []byte
	Data         []byte
	Symbols      []Symbol
	Dependencies []Dependency
}

func fixed(buf []byte, n int) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
		if i == n-1 {
			return string(buf[:n])
		}
	}
	return string(buf)
}

func putFixed(buf []byte, s string, n int) {
	copy(buf, s)
}

// symbolEntrySize and depEntrySize are the fixed-width, bit-exact
// encodings of one Symbol and one Dependency: a NameSize-byte fixed
// name field plus the value fields, so the table can be indexed
// without a length-prefixed scan.
const (
	symbolEntrySize = NameSize + 4       // Name + Offset
	depEntrySize    = NameSize + 6*4 + 1 // Name + MinVersion(3*u32) + MaxVersion(3*u32) + Optional
)

// Encode serializes an Image back to its bit-exact byte layout,
// including the symbol and dependency tables immediately after the
// code and data sections. This is primarily used by tests to construct
// fixtures and by hot-swap to round-trip an in-memory module back into
// comparable bytes.
func Encode(img Image) []byte {
	h := img.Header
	h.CodeSize = uint32(len(img.Code))
	h.DataSize = uint32(len(img.Data))

	symTableOff := uint32(HeaderSize + len(img.Code) + len(img.Data))
	symTableSize := len(img.Symbols) * symbolEntrySize
	depTableOff := symTableOff + uint32(symTableSize)
	depTableSize := len(img.Dependencies) * depEntrySize

	h.SymbolTableOff = symTableOff
	h.DepTableOff = depTableOff

	out := make([]byte, int(depTableOff)+depTableSize)
	o := 0
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(out[o:], v); o += 4 }

	putU32(Magic)
	putU32(HeaderVersion)
	putU32(h.ModuleVersion.Major)
	putU32(h.ModuleVersion.Minor)
	putU32(h.ModuleVersion.Patch)

	putFixed(out[o:o+NameSize], h.Name, NameSize)
	o += NameSize
	putFixed(out[o:o+DescSize], h.Description, DescSize)
	o += DescSize
	putFixed(out[o:o+AuthorSize], h.Author, AuthorSize)
	o += AuthorSize
	putFixed(out[o:o+LicenseSize], h.License, LicenseSize)
	o += LicenseSize

	out[o] = byte(h.Type)
	o++
	out[o] = h.Priority
	o++
	binary.LittleEndian.PutUint16(out[o:], uint16(h.Flags))
	o += 2

	putU32(h.CodeSize)
	putU32(h.DataSize)
	putU32(h.BSSSize)
	putU32(h.EntryOffset)
	putU32(h.ExitOffset)
	putU32(uint32(len(img.Symbols)))
	putU32(h.SymbolTableOff)
	putU32(uint32(len(img.Dependencies)))
	putU32(h.DepTableOff)
	putU32(h.Checksum)
	putU32(h.Signature)

	copy(out[HeaderSize:], img.Code)
	copy(out[HeaderSize+len(img.Code):], img.Data)

	so := int(symTableOff)
	for _, sym := range img.Symbols {
		putFixed(out[so:so+NameSize], sym.Name, NameSize)
		binary.LittleEndian.PutUint32(out[so+NameSize:], sym.Offset)
		so += symbolEntrySize
	}

	do := int(depTableOff)
	for _, dep := range img.Dependencies {
		putFixed(out[do:do+NameSize], dep.Name, NameSize)
		binary.LittleEndian.PutUint32(out[do+NameSize:], dep.MinVersion.Major)
		binary.LittleEndian.PutUint32(out[do+NameSize+4:], dep.MinVersion.Minor)
		binary.LittleEndian.PutUint32(out[do+NameSize+8:], dep.MinVersion.Patch)
		binary.LittleEndian.PutUint32(out[do+NameSize+12:], dep.MaxVersion.Major)
		binary.LittleEndian.PutUint32(out[do+NameSize+16:], dep.MaxVersion.Minor)
		binary.LittleEndian.PutUint32(out[do+NameSize+20:], dep.MaxVersion.Patch)
		flag := byte(0)
		if dep.Optional {
			flag = 1
		}
		out[do+NameSize+24] = flag
		do += depEntrySize
	}

	return out
}

// Decode parses raw bytes into an Image without validating it — use
// Validate for that. It errors only if the buffer is too short to
// contain a header.
func Decode(raw []byte) (Image, error) {
	if len(raw) < HeaderSize {
		return Image{}, kernelutil.Wrap(kernelutil.ErrInvalidImage, "image shorter than header (%d bytes)", len(raw))
	}

	o := 0
	getU32 := func() uint32 { v := binary.LittleEndian.Uint32(raw[o:]); o += 4; return v }

	var h Header
	h.Magic = getU32()
	h.HeaderVersion = getU32()
	h.ModuleVersion.Major = getU32()
	h.ModuleVersion.Minor = getU32()
	h.ModuleVersion.Patch = getU32()

	h.Name = fixed(raw[o:o+NameSize], NameSize)
	o += NameSize
	h.Description = fixed(raw[o:o+DescSize], DescSize)
	o += DescSize
	h.Author = fixed(raw[o:o+AuthorSize], AuthorSize)
	o += AuthorSize
	h.License = fixed(raw[o:o+LicenseSize], LicenseSize)
	o += LicenseSize

	h.Type = Type(raw[o])
	o++
	h.Priority = raw[o]
	o++
	h.Flags = Flags(binary.LittleEndian.Uint16(raw[o:]))
	o += 2

	h.CodeSize = getU32()
	h.DataSize = getU32()
	h.BSSSize = getU32()
	h.EntryOffset = getU32()
	h.ExitOffset = getU32()
	h.SymbolCount = getU32()
	h.SymbolTableOff = getU32()
	h.DepCount = getU32()
	h.DepTableOff = getU32()
	h.Checksum = getU32()
	h.Signature = getU32()

	img := Image{Header: h}

	codeStart := HeaderSize
	codeEnd := codeStart + int(h.CodeSize)
	dataEnd := codeEnd + int(h.DataSize)
	if dataEnd > len(raw) {
		return Image{}, kernelutil.Wrap(kernelutil.ErrInvalidImage, "sections overrun image bounds")
	}
	img.Code = raw[codeStart:codeEnd]
	img.Data = raw[codeEnd:dataEnd]

	symEnd := int(h.SymbolTableOff) + int(h.SymbolCount)*symbolEntrySize
	if h.SymbolCount > 0 {
		if symEnd > len(raw) {
			return Image{}, kernelutil.Wrap(kernelutil.ErrInvalidImage, "symbol table overruns image bounds")
		}
		img.Symbols = make([]Symbol, h.SymbolCount)
		so := int(h.SymbolTableOff)
		for i := range img.Symbols {
			img.Symbols[i] = Symbol{
				Name:   fixed(raw[so:so+NameSize], NameSize),
				Offset: binary.LittleEndian.Uint32(raw[so+NameSize:]),
			}
			so += symbolEntrySize
		}
	}

	depEnd := int(h.DepTableOff) + int(h.DepCount)*depEntrySize
	if h.DepCount > 0 {
		if depEnd > len(raw) {
			return Image{}, kernelutil.Wrap(kernelutil.ErrInvalidImage, "dependency table overruns image bounds")
		}
		img.Dependencies = make([]Dependency, h.DepCount)
		do := int(h.DepTableOff)
		for i := range img.Dependencies {
			img.Dependencies[i] = Dependency{
				Name: fixed(raw[do:do+NameSize], NameSize),
				MinVersion: Version{
					Major: binary.LittleEndian.Uint32(raw[do+NameSize:]),
					Minor: binary.LittleEndian.Uint32(raw[do+NameSize+4:]),
					Patch: binary.LittleEndian.Uint32(raw[do+NameSize+8:]),
				},
				MaxVersion: Version{
					Major: binary.LittleEndian.Uint32(raw[do+NameSize+12:]),
					Minor: binary.LittleEndian.Uint32(raw[do+NameSize+16:]),
					Patch: binary.LittleEndian.Uint32(raw[do+NameSize+20:]),
				},
				Optional: raw[do+NameSize+24] != 0,
			}
			do += depEntrySize
		}
	}

	return img, nil
}

// Validate checks magic, header version, and section-size bounds per
// §4.C's module_validate contract.
func Validate(raw []byte) (Image, error) {
	img, err := Decode(raw)
	if err != nil {
		return Image{}, err
	}
	h := img.Header

	if h.Magic != Magic {
		return Image{}, kernelutil.Wrap(kernelutil.ErrInvalidImage, "bad magic %#x", h.Magic)
	}
	if h.HeaderVersion != HeaderVersion {
		return Image{}, kernelutil.Wrap(kernelutil.ErrInvalidImage, "unsupported header version %d", h.HeaderVersion)
	}
	if len(raw) > MaxImageSize {
		return Image{}, kernelutil.Wrap(kernelutil.ErrInvalidImage, "image size %d exceeds max %d", len(raw), MaxImageSize)
	}
	if h.CodeSize > MaxSectionSize || h.DataSize > MaxSectionSize || h.BSSSize > MaxSectionSize {
		return Image{}, kernelutil.Wrap(kernelutil.ErrInvalidImage, "section exceeds max %d", MaxSectionSize)
	}
	if uint32(len(raw)) < uint32(HeaderSize)+h.CodeSize+h.DataSize {
		return Image{}, kernelutil.Wrap(kernelutil.ErrInvalidImage, "declared sections exceed image size")
	}
	if h.Name == "" || len(h.Name) > NameSize {
		return Image{}, kernelutil.Wrap(kernelutil.ErrInvalidImage, "invalid module name")
	}
	if h.Checksum != 0 {
		sum := checksumSections(img.Code, img.Data)
		if sum != h.Checksum {
			return Image{}, kernelutil.Wrap(kernelutil.ErrInvalidImage, "checksum mismatch")
		}
	}

	return img, nil
}

// checksumSections computes the image checksum over the code and data
// sections, following the registry's crc32-based validation approach.
// A zero Checksum field in the header opts a fixture out of this
// check (signature verification is a pluggable hook per the Non-goals,
// not a requirement).
func checksumSections(code, data []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(code)
	h.Write(data)
	return h.Sum32()
}
