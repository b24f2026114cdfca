package bootimg

import (
	"bufio"
	"fmt"
	"io"
)

// Info is everything recorded in an img_info file.
type Info struct {
	// ContainerOffset is where the header was found in the source file.
	ContainerOffset int64
	Header          Header
	Extents         []Extent
	// Extra holds values discovered after parsing, such as the ramdisk codec.
	Extra []Field
}

// WriteInfo renders info as key=value lines. Every numeric header field and
// every computed offset is written in hexadecimal; strings are quoted.
func WriteInfo(w io.Writer, info Info) error {
	bw := bufio.NewWriter(w)

	h := info.Header
	fmt.Fprintf(bw, "magic=%q\n", h.Magic())
	fmt.Fprintf(bw, "header_version=%#x\n", h.HeaderVersion())
	fmt.Fprintf(bw, "page_size=%#x\n", h.PageSize())
	fmt.Fprintf(bw, "header_size=%#x\n", h.HeaderSize())
	fmt.Fprintf(bw, "container_offset=0x%08x\n", info.ContainerOffset)

	for _, f := range h.Fields() {
		writeField(bw, "hdr_", f)
	}
	for _, e := range info.Extents {
		fmt.Fprintf(bw, "%s_file_offset=0x%08x\n", e.Kind, e.Offset)
		fmt.Fprintf(bw, "%s_file_size=0x%08x\n", e.Kind, e.Length)
	}
	for _, f := range info.Extra {
		writeField(bw, "", f)
	}
	return bw.Flush()
}

func writeField(w io.Writer, prefix string, f Field) {
	switch v := f.Value.(type) {
	case uint32:
		fmt.Fprintf(w, "%s%s=0x%08x\n", prefix, f.Name, v)
	case uint64:
		fmt.Fprintf(w, "%s%s=0x%016x\n", prefix, f.Name, v)
	case int64:
		fmt.Fprintf(w, "%s%s=0x%08x\n", prefix, f.Name, v)
	case int:
		fmt.Fprintf(w, "%s%s=0x%08x\n", prefix, f.Name, v)
	case string:
		fmt.Fprintf(w, "%s%s=%q\n", prefix, f.Name, v)
	default:
		fmt.Fprintf(w, "%s%s=%v\n", prefix, f.Name, v)
	}
}
