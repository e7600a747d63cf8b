package storage

import "testing"

func TestParseTableSources(t *testing.T) {
	sources, err := ParseTableSources(" artworks=moma/artworks/ , artists=/moma/artists.parquet")
	if err != nil {
		t.Fatalf("ParseTableSources() error = %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("len(sources) = %d", len(sources))
	}
	if sources[0].Table != "artists" || sources[0].Key != "moma/artists.parquet" || sources[0].IsPrefix() {
		t.Fatalf("sources[0] = %#v", sources[0])
	}
	if sources[1].Table != "artworks" || sources[1].Key != "moma/artworks/" || !sources[1].IsPrefix() {
		t.Fatalf("sources[1] = %#v", sources[1])
	}
}

func TestParseTableSourcesEmpty(t *testing.T) {
	sources, err := ParseTableSources("  ")
	if err != nil {
		t.Fatalf("ParseTableSources() error = %v", err)
	}
	if len(sources) != 0 {
		t.Fatalf("len(sources) = %d", len(sources))
	}
}

func TestParseTableSourcesRejectsInvalidInput(t *testing.T) {
	tests := []string{
		"artists",
		"1artists=a.parquet",
		"artists=",
		"artists=../secret.parquet",
		"artists=a.parquet,artists=b.parquet",
		"drop table;=a.parquet",
	}
	for _, raw := range tests {
		if _, err := ParseTableSources(raw); err == nil {
			t.Fatalf("ParseTableSources(%q) expected error", raw)
		}
	}
}
