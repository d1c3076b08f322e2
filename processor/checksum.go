package processor

import (
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/shopspring/decimal"

	"bookscope/models"
)

const (
	ChecksumCRC32 = "crc32"
	ChecksumNone  = "none"

	defaultChecksumDepth = 10
)

// Checksummer verifies a book against the checksum carried by a feed event.
type Checksummer interface {
	Name() string
	Sum(book models.OrderBook) uint32
	// Verify reports whether book matches expected. An expected value of
	// zero means the feed sent no checksum and always verifies.
	Verify(book models.OrderBook, expected uint32) bool
}

// NewChecksummer returns the checksum algorithm with the given name.
func NewChecksummer(name string, depth int) (Checksummer, error) {
	switch strings.ToLower(name) {
	case ChecksumCRC32, "":
		if depth <= 0 {
			depth = defaultChecksumDepth
		}
		return crc32Checksum{depth: depth}, nil
	case ChecksumNone:
		return noChecksum{}, nil
	default:
		return nil, fmt.Errorf("unknown checksum algorithm '%s'", name)
	}
}

// crc32Checksum is the IEEE CRC32 of the top asks followed by the top bids,
// each level written as price then volume with the decimal point removed and
// leading zeros trimmed.
type crc32Checksum struct {
	depth int
}

func (c crc32Checksum) Name() string { return ChecksumCRC32 }

func (c crc32Checksum) Sum(book models.OrderBook) uint32 {
	var sb strings.Builder
	writeLevels(&sb, book.Asks, c.depth)
	writeLevels(&sb, book.Bids, c.depth)
	return crc32.ChecksumIEEE([]byte(sb.String()))
}

func (c crc32Checksum) Verify(book models.OrderBook, expected uint32) bool {
	if expected == 0 {
		return true
	}
	return c.Sum(book) == expected
}

func writeLevels(sb *strings.Builder, levels []models.PriceLevel, depth int) {
	for i, l := range levels {
		if i >= depth {
			return
		}
		sb.WriteString(checksumDigits(l.Price))
		sb.WriteString(checksumDigits(l.Volume))
	}
}

func checksumDigits(d decimal.Decimal) string {
	s := strings.Replace(d.String(), ".", "", 1)
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}

type noChecksum struct{}

func (noChecksum) Name() string { return ChecksumNone }

func (noChecksum) Sum(models.OrderBook) uint32 { return 0 }

func (noChecksum) Verify(models.OrderBook, uint32) bool { return true }
