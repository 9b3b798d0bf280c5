// File model contains the structs which match the on-disk layout of the
// synthesized FAT32 volume: the parts of the boot sector this module
// validates, and the 32-byte directory record shapes the encoder emits.

package vfatnbd

// BPB is the BIOS Parameter Block shared by every FAT variant. Reader parses
// it back out of a synthesized image; Volume never constructs one (boot
// sector bytes are supplied externally) and checks only their length and
// trailing signature.
type BPB struct {
	BSJumpBoot          [3]byte
	BSOEMName           [8]byte
	BytesPerSector      uint16
	SectorsPerCluster   byte
	ReservedSectorCount uint16
	NumFATs             byte
	RootEntryCount      uint16
	TotalSectors16      uint16
	Media               byte
	FATSize16           uint16
	SectorsPerTrack     uint16
	NumberOfHeads       uint16
	HiddenSectors       uint32
	TotalSectors32      uint32
	FATSpecificData     [54]byte
}

// FAT32SpecificData is the FAT32 extension of the BPB, overlaid on
// BPB.FATSpecificData.
type FAT32SpecificData struct {
	FatSize          uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfo           uint16
	BkBootSector     uint16
	Reserved         [12]byte
	BSDriveNumber    byte
	BSReserved1      byte
	BSBootSignature  byte
	BSVolumeID       uint32
	BSVolumeLabel    [11]byte
	BSFileSystemType [8]byte
}

// EntryHeader is the 32-byte short (8.3) directory entry.
type EntryHeader struct {
	Name            [11]byte
	Attribute       byte
	NTReserved      byte
	CreateTimeTenth byte
	CreateTime      uint16
	CreateDate      uint16
	LastAccessDate  uint16
	FirstClusterHI  uint16
	WriteTime       uint16
	WriteDate       uint16
	FirstClusterLO  uint16
	FileSize        uint32
}

// ExtendedEntryHeader pairs a parsed short entry with the long filename
// reconstructed from its preceding LFN records, if any.
type ExtendedEntryHeader struct {
	EntryHeader
	ExtendedName string
}

// LongFilenameEntry is a 32-byte VFAT long-filename record. Entries are
// stored in descending sequence-number order, immediately preceding the
// short entry they describe.
type LongFilenameEntry struct {
	Sequence  byte
	First     [5]uint16
	Attribute byte
	EntryType byte
	Checksum  byte
	Second    [6]uint16
	Zero      [2]byte
	Third     [2]uint16
}

const (
	AttrNone      = 0x00
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	AttrLongName  = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID

	lfnLastFlag  = 0x40
	lfnCharsLast = 0xFFFF
)
