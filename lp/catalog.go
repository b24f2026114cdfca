package lp

import (
	"strings"

	"github.com/pkg/errors"
)

// PartitionDescriptor names a logical partition. SlotSuffix and ByteLength
// are filled in once the partition has been resolved against a super image.
type PartitionDescriptor struct {
	Name       string
	SlotSuffix string
	ByteLength int64
}

// DefaultPartitions is the ordered allow-list of partitions extracted from
// super images.
var DefaultPartitions = []string{
	"system", "system_ext", "system_other", "systemex", "vendor", "cust", "odm", "oem",
	"factory", "product", "xrom", "modem", "dtbo", "dtb", "boot", "vendor_boot",
	"recovery", "tz", "oppo_product", "preload_common",
	"vendor_dlkm", "odm_dlkm", "system_dlkm", "mi_ext",
}

// Catalog builds unresolved descriptors for names, in order.
func Catalog(names ...string) []PartitionDescriptor {
	out := make([]PartitionDescriptor, 0, len(names))
	for _, n := range names {
		out = append(out, PartitionDescriptor{Name: n})
	}
	return out
}

// DefaultCatalog returns descriptors for DefaultPartitions.
func DefaultCatalog() []PartitionDescriptor {
	return Catalog(DefaultPartitions...)
}

// SlotPolicy selects which A/B slot is canonical.
type SlotPolicy int

const (
	SlotA SlotPolicy = iota
	SlotB
)

// ParseSlotPolicy accepts "a", "b", "_a" or "_b"; empty means SlotA.
func ParseSlotPolicy(s string) (SlotPolicy, error) {
	switch strings.TrimPrefix(strings.ToLower(s), "_") {
	case "", "a":
		return SlotA, nil
	case "b":
		return SlotB, nil
	}
	return SlotA, errors.Errorf("invalid slot %q (want a or b)", s)
}

func (p SlotPolicy) String() string {
	if p == SlotB {
		return "b"
	}
	return "a"
}

// Suffixes returns the partition name suffixes to try, in order.
func (p SlotPolicy) Suffixes() []string {
	if p == SlotB {
		return []string{"_b", ""}
	}
	return []string{"_a", ""}
}

// MetadataSlot returns the LP metadata slot that describes this slot.
func (p SlotPolicy) MetadataSlot() uint32 {
	if p == SlotB {
		return 1
	}
	return 0
}
