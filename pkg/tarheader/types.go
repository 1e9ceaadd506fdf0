package tarheader

import "fmt"

// Type is the type flag byte stored at offset 156 of a header block.
type Type byte

const (
	OldFile                 Type = 0
	File                    Type = '0'
	Link                    Type = '1'
	SymbolicLink            Type = '2'
	CharacterDevice         Type = '3'
	BlockDevice             Type = '4'
	Directory               Type = '5'
	FIFO                    Type = '6'
	ContiguousFile          Type = '7'
	GlobalExtendedHeader    Type = 'g'
	ExtendedHeader          Type = 'x'
	SolarisACL              Type = 'A'
	GNUDumpDir              Type = 'D'
	Inode                   Type = 'I'
	NextFileHasLongLinkpath Type = 'K'
	NextFileHasLongPath     Type = 'L'
	ContinuationFile        Type = 'M'
	OldGnuLongPath          Type = 'N'
	SparseFile              Type = 'S'
	TapeVolumeHeader        Type = 'V'
	OldExtendedHeader       Type = 'X'
)

var typeNames = map[Type]string{
	OldFile:                 "OldFile",
	File:                    "File",
	Link:                    "Link",
	SymbolicLink:            "SymbolicLink",
	CharacterDevice:         "CharacterDevice",
	BlockDevice:             "BlockDevice",
	Directory:               "Directory",
	FIFO:                    "FIFO",
	ContiguousFile:          "ContiguousFile",
	GlobalExtendedHeader:    "GlobalExtendedHeader",
	ExtendedHeader:          "ExtendedHeader",
	SolarisACL:              "SolarisACL",
	GNUDumpDir:              "GNUDumpDir",
	Inode:                   "Inode",
	NextFileHasLongLinkpath: "NextFileHasLongLinkpath",
	NextFileHasLongPath:     "NextFileHasLongPath",
	ContinuationFile:        "ContinuationFile",
	OldGnuLongPath:          "OldGnuLongPath",
	SparseFile:              "SparseFile",
	TapeVolumeHeader:        "TapeVolumeHeader",
	OldExtendedHeader:       "OldExtendedHeader",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%q)", byte(t))
}

// Valid reports whether t is a known type flag.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// IsMeta reports whether a block of this type carries metadata for the
// entry that follows it rather than an archive member of its own.
func (t Type) IsMeta() bool {
	switch t {
	case ExtendedHeader, OldExtendedHeader, GlobalExtendedHeader,
		NextFileHasLongPath, NextFileHasLongLinkpath, OldGnuLongPath:
		return true
	}
	return false
}

// IsLink reports whether entries of this type require a link target.
func (t Type) IsLink() bool {
	return t == Link || t == SymbolicLink
}

// Supported reports whether the body of an entry of this type is delivered
// to consumers. Other known types are skipped.
func (t Type) Supported() bool {
	switch t {
	case OldFile, File, Link, SymbolicLink, CharacterDevice, BlockDevice,
		Directory, FIFO, ContiguousFile, GNUDumpDir:
		return true
	}
	return false
}
