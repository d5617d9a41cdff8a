package pipeline

import (
	"bufio"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/aluiziolira/go-feed-acquire/models"
)

func sampleOffer() models.ProductOffer {
	return models.ProductOffer{
		ID:          "42",
		Name:        "Кирпич, красный",
		URL:         "https://shop.test/offer/42",
		Price:       "12.00",
		CurrencyID:  "RUB",
		CategoryID:  "7",
		Description: "Line one\nline two",
		Available:   true,
	}
}

func TestCSVWriterWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "offers.csv")

	writer, err := NewCSVWriter[models.ProductOffer](path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}

	if err := writer.Write([]models.ProductOffer{sampleOffer()}); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate csv: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records=%d, want 2", len(records))
	}
	if records[0][0] != "id" || records[0][1] != "name" {
		t.Fatalf("unexpected header: %v", records[0])
	}
	if records[1][1] != "Кирпич, красный" || records[1][9] != "true" {
		t.Fatalf("unexpected row: %v", records[1])
	}
}

func TestCSVWriterItemHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "items.csv")

	writer, err := NewCSVWriter[models.RssItem](path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 1 || len(records[0]) != 4 || records[0][1] != "link" {
		t.Fatalf("header=%v, want item columns", records)
	}
}

func TestJSONWriterWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "offers.jsonl")

	writer, err := NewJSONWriter[models.ProductOffer](path)
	if err != nil {
		t.Fatalf("create json writer: %v", err)
	}

	second := sampleOffer()
	second.ID = "43"
	if err := writer.Write([]models.ProductOffer{sampleOffer(), second}); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close json: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open json: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var ids []string
	for scanner.Scan() {
		var decoded models.ProductOffer
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid json line: %v", err)
		}
		ids = append(ids, decoded.ID)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan json: %v", err)
	}
	if len(ids) != 2 || ids[0] != "42" || ids[1] != "43" {
		t.Fatalf("ids=%v, want [42 43]", ids)
	}
}

func TestJSONWriterValidateEmpty(t *testing.T) {
	writer, err := NewJSONWriter[models.RssItem](filepath.Join(t.TempDir(), "items.jsonl"))
	if err != nil {
		t.Fatalf("create json writer: %v", err)
	}
	defer writer.Close()

	if err := writer.Validate(); err == nil {
		t.Fatalf("empty json output should fail validation")
	}
}

func TestDualWriterWrite(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "offers.csv")

	writer, err := NewWriter[models.ProductOffer](FormatDual, csvPath)
	if err != nil {
		t.Fatalf("create dual writer: %v", err)
	}

	if err := writer.Write([]models.ProductOffer{sampleOffer()}); err != nil {
		t.Fatalf("write dual: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close dual: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate dual: %v", err)
	}

	jsonPath := filepath.Join(dir, "offers.jsonl")
	if info, err := os.Stat(csvPath); err != nil || info.Size() == 0 {
		t.Fatalf("csv file missing or empty")
	}
	if info, err := os.Stat(jsonPath); err != nil || info.Size() == 0 {
		t.Fatalf("json file missing or empty")
	}
}

func TestNewWriterUnsupportedFormat(t *testing.T) {
	if _, err := NewWriter[models.RssItem]("xml", filepath.Join(t.TempDir(), "x")); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestJSONCompanion(t *testing.T) {
	tests := map[string]string{
		"output/feed.csv": "output/feed.jsonl",
		"feed":            "feed.jsonl",
	}
	for in, want := range tests {
		if got := JSONCompanion(in); got != want {
			t.Fatalf("JSONCompanion(%q)=%q, want %q", in, got, want)
		}
	}
}
