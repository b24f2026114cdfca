package payload

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// OpType is an InstallOperation type from update_metadata.proto.
type OpType uint64

const (
	OpReplace        OpType = 0
	OpReplaceBz      OpType = 1
	OpMove           OpType = 2
	OpBsdiff         OpType = 3
	OpSourceCopy     OpType = 4
	OpSourceBsdiff   OpType = 5
	OpZero           OpType = 6
	OpDiscard        OpType = 7
	OpReplaceXz      OpType = 8
	OpPuffdiff       OpType = 9
	OpBrotliBsdiff   OpType = 10
	OpZucchini       OpType = 11
	OpLz4diffBsdiff  OpType = 12
	OpLz4diffPuffdif OpType = 13
	OpZstd           OpType = 14
)

var opNames = map[OpType]string{
	OpReplace:        "REPLACE",
	OpReplaceBz:      "REPLACE_BZ",
	OpMove:           "MOVE",
	OpBsdiff:         "BSDIFF",
	OpSourceCopy:     "SOURCE_COPY",
	OpSourceBsdiff:   "SOURCE_BSDIFF",
	OpZero:           "ZERO",
	OpDiscard:        "DISCARD",
	OpReplaceXz:      "REPLACE_XZ",
	OpPuffdiff:       "PUFFDIFF",
	OpBrotliBsdiff:   "BROTLI_BSDIFF",
	OpZucchini:       "ZUCCHINI",
	OpLz4diffBsdiff:  "LZ4DIFF_BSDIFF",
	OpLz4diffPuffdif: "LZ4DIFF_PUFFDIFF",
	OpZstd:           "ZSTD",
}

func (t OpType) String() string {
	if s, ok := opNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// Extent is a run of blocks in the target partition.
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

// InstallOperation is one step of rebuilding a partition.
type InstallOperation struct {
	Type           OpType
	DataOffset     uint64
	DataLength     uint64
	DstExtents     []Extent
	DataSha256Hash []byte
}

// PartitionUpdate describes how to produce one partition image.
type PartitionUpdate struct {
	PartitionName string
	Size          uint64
	Hash          []byte
	Operations    []InstallOperation
}

// DeltaArchiveManifest is the subset of the OTA manifest needed to replay
// full payloads.
type DeltaArchiveManifest struct {
	BlockSize    uint32
	MinorVersion uint32
	Partitions   []PartitionUpdate
}

// field numbers from update_metadata.proto
const (
	manifestBlockSize    = 3
	manifestMinorVersion = 12
	manifestPartitions   = 13

	partitionName             = 1
	partitionNewPartitionInfo = 7
	partitionOperations       = 8

	infoSize = 1
	infoHash = 2

	opType           = 1
	opDataOffset     = 2
	opDataLength     = 3
	opDstExtents     = 6
	opDataSha256Hash = 8

	extentStartBlock = 1
	extentNumBlocks  = 2
)

// walk calls fn for every varint and length-delimited field of the message
// in b; other wire types are skipped.
func walk(b []byte, fn func(num protowire.Number, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, nil, x); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := fn(num, v, 0); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

// UnmarshalManifest decodes a DeltaArchiveManifest.
func UnmarshalManifest(b []byte) (*DeltaArchiveManifest, error) {
	m := &DeltaArchiveManifest{BlockSize: blockSize}
	err := walk(b, func(num protowire.Number, v []byte, x uint64) error {
		switch num {
		case manifestBlockSize:
			m.BlockSize = uint32(x)
		case manifestMinorVersion:
			m.MinorVersion = uint32(x)
		case manifestPartitions:
			p, err := unmarshalPartition(v)
			if err != nil {
				return err
			}
			m.Partitions = append(m.Partitions, *p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode manifest")
	}
	return m, nil
}

func unmarshalPartition(b []byte) (*PartitionUpdate, error) {
	p := &PartitionUpdate{}
	err := walk(b, func(num protowire.Number, v []byte, x uint64) error {
		switch num {
		case partitionName:
			p.PartitionName = string(v)
		case partitionNewPartitionInfo:
			return walk(v, func(num protowire.Number, v []byte, x uint64) error {
				switch num {
				case infoSize:
					p.Size = x
				case infoHash:
					p.Hash = append([]byte(nil), v...)
				}
				return nil
			})
		case partitionOperations:
			op, err := unmarshalOperation(v)
			if err != nil {
				return err
			}
			p.Operations = append(p.Operations, *op)
		}
		return nil
	})
	return p, err
}

func unmarshalOperation(b []byte) (*InstallOperation, error) {
	op := &InstallOperation{}
	err := walk(b, func(num protowire.Number, v []byte, x uint64) error {
		switch num {
		case opType:
			op.Type = OpType(x)
		case opDataOffset:
			op.DataOffset = x
		case opDataLength:
			op.DataLength = x
		case opDstExtents:
			var e Extent
			if err := walk(v, func(num protowire.Number, _ []byte, x uint64) error {
				switch num {
				case extentStartBlock:
					e.StartBlock = x
				case extentNumBlocks:
					e.NumBlocks = x
				}
				return nil
			}); err != nil {
				return err
			}
			op.DstExtents = append(op.DstExtents, e)
		case opDataSha256Hash:
			op.DataSha256Hash = append([]byte(nil), v...)
		}
		return nil
	})
	return op, err
}
