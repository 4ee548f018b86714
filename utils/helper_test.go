package utils_test

import (
	"testing"
	"time"

	"github.com/craftlinkhq/procure_backend/utils"
)

func TestContentHash(t *testing.T) {
	// sha256("hello"), hex encoded.
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got := utils.ContentHash([]byte("hello")); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
	if utils.ContentHash([]byte("hello")) != utils.ContentHash([]byte("hello")) {
		t.Fatal("hash must be deterministic")
	}
	if utils.ContentHash([]byte("hello")) == utils.ContentHash([]byte("hello!")) {
		t.Fatal("different content must hash differently")
	}
}

func TestStartOfDay(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Yangon")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	in := time.Date(2026, 8, 28, 23, 45, 12, 999, loc)
	got := utils.StartOfDay(in)
	if got.Hour() != 0 || got.Minute() != 0 || got.Second() != 0 || got.Nanosecond() != 0 {
		t.Fatalf("not midnight: %s", got)
	}
	if got.Location() != loc {
		t.Fatalf("location changed: %s", got.Location())
	}
	if got.Day() != 28 {
		t.Fatalf("day changed: %s", got)
	}
}

func TestParseDecimal(t *testing.T) {
	dec, err := utils.ParseDecimal(" 10000000.50 ")
	if err != nil {
		t.Fatalf("ParseDecimal: %v", err)
	}
	if dec.String() != "10000000.5" {
		t.Fatalf("got %s", dec)
	}

	if _, err := utils.ParseDecimal(""); err == nil {
		t.Fatal("expected error for empty string")
	}
	if _, err := utils.ParseDecimal("abc"); err == nil {
		t.Fatal("expected error for non-numeric string")
	}
}
