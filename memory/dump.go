package memory

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/marcinbor85/gohex"
	"github.com/sigurn/crc16"
)

// A heap dump is a pair of files: an Intel HEX image of the used part of
// every issued pool page, each at address index*pageSize, and a text index
// with one line per page:
//
//	page <index> <state> <region> <used bytes> <crc16>
//
// The checksum is CRC-16/ARC of the used bytes of the page.

var dumpTable = crc16.MakeTable(crc16.CRC16_ARC)

// pageImage copies the used part of a page into a byte slice.
func pageImage(p *Page) []byte {
	used := p.Used()
	buf := make([]byte, used)
	for i := uintptr(0); i < used; i += wordSize {
		binary.LittleEndian.PutUint64(buf[i:], atomic.LoadUint64(&p.arena[i/wordSize]))
	}
	return buf
}

func (h *Heap) dumpCycle(cycle uint64) error {
	dir := h.cfg.DumpDir
	if dir == "" {
		dir = "."
	}
	return h.WriteDump(dir, fmt.Sprintf("heap-%d", cycle))
}

// WriteDump writes name.hex and name.idx into dir. Pages are copied one at a
// time: a dump taken while mutators run is consistent per page only.
func (h *Heap) WriteDump(dir, name string) error {
	if uint64(len(h.pool))*uint64(h.pageSize) > 1<<32 {
		return fmt.Errorf("heap of %d pages does not fit a 32-bit dump", len(h.pool))
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return err
	}

	mem := gohex.NewMemory()
	var index strings.Builder
	for _, p := range h.pool {
		st := p.pageState()
		if st == pageFree {
			continue
		}
		image := pageImage(p)
		if len(image) > 0 {
			if err := mem.AddBinary(uint32(uintptr(p.index)*h.pageSize), image); err != nil {
				return fmt.Errorf("page %d: %w", p.index, err)
			}
		}
		fmt.Fprintf(&index, "page %d %s %s %d %04x\n", p.index, st, p.region, len(image), crc16.Checksum(image, dumpTable))
	}

	hexFile, err := os.Create(filepath.Join(dir, name+".hex"))
	if err != nil {
		return err
	}
	if err := mem.DumpIntelHex(hexFile, 16); err != nil {
		hexFile.Close()
		return err
	}
	if err := hexFile.Close(); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name+".idx"), []byte(index.String()), 0o666)
}

// DumpPage is an entry of a heap dump index.
type DumpPage struct {
	Index  int
	State  string
	Region string
	Used   int
	CRC    uint16
}

// VerifyDump reads back a heap dump written by WriteDump and checks the
// checksum of every page. It returns the index entries.
func VerifyDump(dir, name string, pageSize uintptr) ([]DumpPage, error) {
	hexFile, err := os.Open(filepath.Join(dir, name+".hex"))
	if err != nil {
		return nil, err
	}
	defer hexFile.Close()
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(hexFile); err != nil {
		return nil, fmt.Errorf("%s.hex: %w", name, err)
	}
	segments := mem.GetDataSegments()

	// Adjacent pages end up in the same segment.
	read := func(addr uint32, n int) []byte {
		for _, s := range segments {
			if addr >= s.Address && uint64(addr)+uint64(n) <= uint64(s.Address)+uint64(len(s.Data)) {
				start := addr - s.Address
				return s.Data[start : start+uint32(n)]
			}
		}
		return nil
	}

	idxFile, err := os.Open(filepath.Join(dir, name+".idx"))
	if err != nil {
		return nil, err
	}
	defer idxFile.Close()
	var pages []DumpPage
	scanner := bufio.NewScanner(idxFile)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 6 || fields[0] != "page" {
			return nil, fmt.Errorf("%s.idx:%d: malformed line", name, line)
		}
		index, err1 := strconv.Atoi(fields[1])
		used, err2 := strconv.Atoi(fields[4])
		crc, err3 := strconv.ParseUint(fields[5], 16, 16)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("%s.idx:%d: malformed line", name, line)
		}
		dp := DumpPage{Index: index, State: fields[2], Region: fields[3], Used: used, CRC: uint16(crc)}
		var image []byte
		if used > 0 {
			image = read(uint32(uintptr(index)*pageSize), used)
			if image == nil {
				return nil, fmt.Errorf("%s.hex: page %d missing", name, index)
			}
		}
		if sum := crc16.Checksum(image, dumpTable); sum != dp.CRC {
			return nil, fmt.Errorf("%s: page %d checksum %04x, index says %04x", name, index, sum, dp.CRC)
		}
		pages = append(pages, dp)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return pages, nil
}
