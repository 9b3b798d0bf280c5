package vfatnbd

import "testing"

func TestAdjustSize(t *testing.T) {
	tests := []struct {
		name       string
		sectors    uint32
		sectorSize uint32
		wantOK     bool
	}{
		{"wrong sector size", 1 << 20, 4096, false},
		{"too small for the reserved region", ReservedSectors, SectorSize, false},
		{"floor clamps tiny images to the FAT32 minimum", ReservedSectors + 100, SectorSize, true},
		{"a plausible multi-gigabyte image", 4 * 1024 * 1024, SectorSize, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := AdjustSize(tt.sectors, tt.sectorSize)
			if ok != tt.wantOK {
				t.Fatalf("AdjustSize() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.DataClusters < MinFAT32Clusters {
				t.Errorf("DataClusters = %d, below MinFAT32Clusters", got.DataClusters)
			}
			if got.DataClusters > MaxFAT32Clusters {
				t.Errorf("DataClusters = %d, above MaxFAT32Clusters", got.DataClusters)
			}
			wantTotal := ReservedSectors + got.FATSectors + got.DataClusters*sectorsPerCluster
			if got.TotalSectors != wantTotal {
				t.Errorf("TotalSectors = %d, want %d", got.TotalSectors, wantTotal)
			}
		})
	}
}

func TestAdjustSize_NeverExceedsRequestedSectors(t *testing.T) {
	got, ok := AdjustSize(4*1024*1024, SectorSize)
	if !ok {
		t.Fatal("expected AdjustSize to succeed")
	}
	if got.TotalSectors > 4*1024*1024 {
		t.Errorf("TotalSectors = %d, exceeds requested 4194304", got.TotalSectors)
	}
}
