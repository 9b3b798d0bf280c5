package vfatnbd

const (
	sectorsPerCluster = ClusterSize / SectorSize

	// MinFAT32Clusters is the smallest data-cluster count the FAT32 spec
	// allows; below this a FAT12/FAT16 volume would be implied instead.
	MinFAT32Clusters = 65525
	// MaxFAT32Clusters is the largest data-cluster count representable by
	// a 28-bit FAT entry, minus the two reserved entries.
	MaxFAT32Clusters = 0x0ffffff0 - reservedFATEntries
)

// SizeResult is the outcome of AdjustSize: a sector count that is both
// FAT32-legal and large enough to hold the reserved region, the FAT, and
// the requested number of data clusters.
type SizeResult struct {
	TotalSectors uint32
	FATSectors   uint32
	DataClusters uint32
}

// AdjustSize converts a requested block count into a FAT32-compatible one.
// It runs the FAT-size calculation twice: an optimistic first pass ignores
// the FAT's own footprint, and the second pass corrects for it.
func AdjustSize(sectors, sectorSize uint32) (SizeResult, bool) {
	if sectorSize != SectorSize {
		return SizeResult{}, false
	}
	if sectors <= ReservedSectors {
		return SizeResult{}, false
	}

	dataClusters := (sectors - ReservedSectors) / sectorsPerCluster
	fatSectors := fatSectorsFor(dataClusters)

	if sectors <= ReservedSectors+fatSectors {
		return SizeResult{}, false
	}
	dataClusters = (sectors - fatSectors - ReservedSectors) / sectorsPerCluster
	if dataClusters < MinFAT32Clusters {
		dataClusters = MinFAT32Clusters
	}
	if dataClusters > MaxFAT32Clusters {
		dataClusters = MaxFAT32Clusters
	}
	fatSectors = fatSectorsFor(dataClusters)

	return SizeResult{
		TotalSectors: ReservedSectors + fatSectors + dataClusters*sectorsPerCluster,
		FATSectors:   fatSectors,
		DataClusters: dataClusters,
	}, true
}

func fatSectorsFor(dataClusters uint32) uint32 {
	return uint32(alignUp(uint64(dataClusters+reservedFATEntries)*4, SectorSize)) / SectorSize
}
