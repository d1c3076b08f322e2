package processor

import (
	"hash/crc32"
	"testing"

	"bookscope/models"
)

func TestChecksumDigits(t *testing.T) {
	cases := map[string]string{
		"100":     "100",
		"100.5":   "1005",
		"0.05":    "5",
		"0.00012": "12",
		"0":       "0",
	}
	for in, want := range cases {
		if got := checksumDigits(dec(in)); got != want {
			t.Errorf("checksumDigits(%s)=%s want %s", in, got, want)
		}
	}
}

func TestCRC32ChecksumLayout(t *testing.T) {
	sum, err := NewChecksummer("crc32", 1)
	if err != nil {
		t.Fatalf("NewChecksummer: %v", err)
	}
	book := models.OrderBook{
		Bids: []models.PriceLevel{level("100.5", "8"), level("99", "1")},
		Asks: []models.PriceLevel{level("101", "0.3"), level("102", "2")},
	}
	// depth 1: best ask then best bid
	want := crc32.ChecksumIEEE([]byte("101" + "3" + "1005" + "8"))
	if got := sum.Sum(book); got != want {
		t.Fatalf("Sum=%d want %d", got, want)
	}
	if !sum.Verify(book, want) || sum.Verify(book, want+1) {
		t.Fatalf("Verify does not match Sum")
	}
	if !sum.Verify(book, 0) {
		t.Fatalf("a missing checksum must verify")
	}
}

func TestNoChecksumAlwaysVerifies(t *testing.T) {
	sum, err := NewChecksummer("none", 0)
	if err != nil {
		t.Fatalf("NewChecksummer: %v", err)
	}
	if sum.Name() != ChecksumNone || !sum.Verify(models.OrderBook{}, 12345) {
		t.Fatalf("none checksum should accept anything")
	}
}

func TestNewChecksummerUnknown(t *testing.T) {
	if _, err := NewChecksummer("md5", 10); err == nil {
		t.Fatalf("expected error for unknown algorithm")
	}
}
