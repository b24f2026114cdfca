// Package sdat rebuilds raw partition images from a transfer list and its
// sequential new-data stream (system.transfer.list + system.new.dat).
package sdat

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/ssut/firmware-dumper-go/fwerr"
)

// BlockSize is the unit every range in a transfer list is expressed in.
const BlockSize = 4096

// MaxBlocks is the highest block number whose byte offset fits in an int64.
const MaxBlocks = math.MaxInt64 / BlockSize

// MaxVersion is the newest transfer-list format this package reads.
const MaxVersion = 4

// Op is a transfer-list command.
type Op string

const (
	OpNew   Op = "new"
	OpZero  Op = "zero"
	OpErase Op = "erase"
)

// BlockRange is the half-open block interval [Begin, End).
type BlockRange struct {
	Begin uint64
	End   uint64
}

// Len returns the number of blocks in r.
func (r BlockRange) Len() uint64 { return r.End - r.Begin }

// RangeSet is an ordered list of disjoint block ranges.
type RangeSet []BlockRange

// ParseRangeSet decodes "2N,b1,e1,...,bN,eN". The leading count must equal
// the number of integers that follow it, be even, and every pair must satisfy
// begin < end with no two ranges overlapping.
func ParseRangeSet(s string) (RangeSet, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	nums := make([]uint64, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, rangesetError(s, "%q is not a block number", p)
		}
		nums[i] = n
	}
	if nums[0] != uint64(len(nums)-1) {
		return nil, rangesetError(s, "count %d does not match %d values", nums[0], len(nums)-1)
	}
	if nums[0]%2 != 0 {
		return nil, rangesetError(s, "odd count %d", nums[0])
	}

	rs := make(RangeSet, 0, nums[0]/2)
	for i := 1; i < len(nums); i += 2 {
		r := BlockRange{Begin: nums[i], End: nums[i+1]}
		if r.Begin >= r.End {
			return nil, rangesetError(s, "empty or inverted range %d-%d", r.Begin, r.End)
		}
		if r.End > MaxBlocks {
			return nil, rangesetError(s, "range %d-%d ends past block %d", r.Begin, r.End, uint64(MaxBlocks))
		}
		rs = append(rs, r)
	}

	sorted := slices.Clone(rs)
	slices.SortFunc(sorted, func(a, b BlockRange) int {
		switch {
		case a.Begin < b.Begin:
			return -1
		case a.Begin > b.Begin:
			return 1
		}
		return 0
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Begin < sorted[i-1].End {
			return nil, rangesetError(s, "ranges %d-%d and %d-%d overlap",
				sorted[i-1].Begin, sorted[i-1].End, sorted[i].Begin, sorted[i].End)
		}
	}
	return rs, nil
}

func rangesetError(s string, format string, args ...any) error {
	return fwerr.New(fwerr.MalformedRangeset, "rangeset "+strconv.Quote(s), format, args...)
}

// String encodes rs in transfer-list form.
func (rs RangeSet) String() string {
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(2 * len(rs)))
	for _, r := range rs {
		fmt.Fprintf(&sb, ",%d,%d", r.Begin, r.End)
	}
	return sb.String()
}

// Blocks returns the total number of blocks covered by rs.
func (rs RangeSet) Blocks() uint64 {
	var n uint64
	for _, r := range rs {
		n += r.Len()
	}
	return n
}

// Command is one parsed transfer-list line.
type Command struct {
	Op     Op
	Ranges RangeSet
}

// TransferList is a parsed transfer list. Stash fields are only present in
// version 2 and later.
type TransferList struct {
	Version        int
	TotalBlocks    uint64
	StashEntries   uint64
	StashMaxBlocks uint64
	Commands       []Command
}

// NewBlocks returns how many blocks the new commands consume from the data stream.
func (tl *TransferList) NewBlocks() uint64 {
	var n uint64
	for _, c := range tl.Commands {
		if c.Op == OpNew {
			n += c.Ranges.Blocks()
		}
	}
	return n
}

// MaxBlock returns the highest block end referenced by any command.
func (tl *TransferList) MaxBlock() uint64 {
	var max uint64
	for _, c := range tl.Commands {
		for _, r := range c.Ranges {
			if r.End > max {
				max = r.End
			}
		}
	}
	return max
}

var versionNames = map[int]string{
	1: "Android Lollipop 5.0",
	2: "Android Lollipop 5.1",
	3: "Android Marshmallow 6.x",
	4: "Android Nougat 7.x / Oreo 8.x",
}

// VersionName returns the Android release that introduced transfer-list version v.
func VersionName(v int) string {
	if name, ok := versionNames[v]; ok {
		return name
	}
	return fmt.Sprintf("unknown version %d", v)
}

// Parse reads a transfer list. Lines starting with a digit after the header
// are ignored; any op other than new, zero and erase is fwerr.UnknownCommand.
func Parse(r io.Reader) (*TransferList, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	next := func(what string) (uint64, error) {
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return 0, err
			}
			return 0, fwerr.New(fwerr.Truncated, "transfer list header", "missing %s line", what)
		}
		line++
		v, err := strconv.ParseUint(strings.TrimSpace(sc.Text()), 10, 64)
		if err != nil {
			return 0, fwerr.New(fwerr.InvalidHeader, "transfer list header", "line %d: bad %s %q", line, what, sc.Text())
		}
		return v, nil
	}

	tl := &TransferList{}
	version, err := next("version")
	if err != nil {
		return nil, err
	}
	if version < 1 || version > MaxVersion {
		return nil, fwerr.New(fwerr.InvalidHeader, "transfer list header", "unsupported version %d", version)
	}
	tl.Version = int(version)
	if tl.TotalBlocks, err = next("total blocks"); err != nil {
		return nil, err
	}
	if tl.TotalBlocks > MaxBlocks {
		return nil, fwerr.New(fwerr.InvalidHeader, "transfer list header", "total blocks %d", tl.TotalBlocks)
	}
	if tl.Version >= 2 {
		if tl.StashEntries, err = next("stash entries"); err != nil {
			return nil, err
		}
		if tl.StashMaxBlocks, err = next("stash max blocks"); err != nil {
			return nil, err
		}
	}

	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		op := Op(fields[0])
		switch op {
		case OpNew, OpZero, OpErase:
			if len(fields) != 2 {
				return nil, fwerr.New(fwerr.MalformedRangeset, fmt.Sprintf("transfer list line %d", line),
					"%s expects exactly one rangeset", op)
			}
			rs, err := ParseRangeSet(fields[1])
			if err != nil {
				return nil, err
			}
			tl.Commands = append(tl.Commands, Command{Op: op, Ranges: rs})
		default:
			if c := fields[0][0]; c >= '0' && c <= '9' {
				continue
			}
			return nil, fwerr.New(fwerr.UnknownCommand, fmt.Sprintf("transfer list line %d", line),
				"command %q is not valid", fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return tl, nil
}
