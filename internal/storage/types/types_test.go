package types

import (
	"testing"
	"time"
)

func TestRecordTime(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	r := Record{TimestampMs: now.UnixMilli()}

	if !r.Time().Equal(now) {
		t.Errorf("expected %v, got %v", now, r.Time())
	}
	if r.Time().Location() != time.UTC {
		t.Error("expected UTC")
	}
}

func TestRecordGetSet(t *testing.T) {
	var r Record
	for i, f := range AllFields {
		r.Set(f, Float(float64(i)))
	}
	for i, f := range AllFields {
		v := r.Get(f)
		if v == nil || *v != float64(i) {
			t.Errorf("field %s: got %v, want %d", f, v, i)
		}
	}
}

func TestRecordEqual(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := OHLC(ts, 100, 110, 95, 105)
	b := OHLC(ts, 100, 110, 95, 105)
	if !a.Equal(b) {
		t.Error("expected equal")
	}

	b.Close = nil
	if a.Equal(b) {
		t.Error("nil close should differ")
	}

	c := OHLC(ts.Add(time.Minute), 100, 110, 95, 105)
	if a.Equal(c) {
		t.Error("different key should differ")
	}
}

func TestChunkBoundaries(t *testing.T) {
	ts := time.Date(2024, 3, 15, 13, 45, 0, 0, time.UTC)

	tests := []struct {
		g         Granularity
		wantStart time.Time
		wantEnd   time.Time
		wantName  string
	}{
		{Intraday, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC), "2024-03-15"},
		{Daily, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), "2024"},
	}

	for _, tt := range tests {
		t.Run(tt.g.String(), func(t *testing.T) {
			start := tt.g.ChunkStart(ts)
			if !start.Equal(tt.wantStart) {
				t.Errorf("ChunkStart = %v, want %v", start, tt.wantStart)
			}
			if end := tt.g.ChunkEnd(start); !end.Equal(tt.wantEnd) {
				t.Errorf("ChunkEnd = %v, want %v", end, tt.wantEnd)
			}
			name := tt.g.ChunkName(start)
			if name != tt.wantName {
				t.Errorf("ChunkName = %s, want %s", name, tt.wantName)
			}
			parsed, err := tt.g.ParseChunkName(name)
			if err != nil {
				t.Fatalf("ParseChunkName: %v", err)
			}
			if !parsed.Equal(start) {
				t.Errorf("ParseChunkName = %v, want %v", parsed, start)
			}
		})
	}
}

func TestChunkStartNormalizesZone(t *testing.T) {
	ny := time.FixedZone("EST", -5*3600)
	// 2024-03-15 22:00 EST is 2024-03-16 03:00 UTC
	ts := time.Date(2024, 3, 15, 22, 0, 0, 0, ny)
	got := Intraday.ChunkStart(ts)
	want := time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSchemaFields(t *testing.T) {
	if !SchemaOHLC.Has(FieldClose) || SchemaOHLC.Has(FieldValue) {
		t.Error("ohlc schema fields wrong")
	}
	if !SchemaMetadata.Has(FieldTradingVolume) || SchemaMetadata.Has(FieldOpen) {
		t.Error("metadata schema fields wrong")
	}
	if len(SchemaScalar.Fields()) != 1 {
		t.Error("scalar schema should have one field")
	}
}

func TestParseConflictPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    ConflictPolicy
		wantErr bool
	}{
		{"", Overwrite, false},
		{"overwrite", Overwrite, false},
		{"SKIP", Skip, false},
		{" fail ", Fail, false},
		{"merge", Overwrite, true},
	}
	for _, tt := range tests {
		got, err := ParseConflictPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseConflictPolicy(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseConflictPolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatKey(t *testing.T) {
	ms := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	if got := Daily.FormatKey(ms); got != "2024-01-02" {
		t.Errorf("daily FormatKey = %s", got)
	}
	if got := Intraday.FormatKey(ms); got != "2024-01-02T00:00:00Z" {
		t.Errorf("intraday FormatKey = %s", got)
	}
}

func TestKeyBounds(t *testing.T) {
	if got := Daily.FormatKey(MinKeyMs); got != "0001-01-01" {
		t.Errorf("min key = %s", got)
	}
	if got := Daily.FormatKey(MaxKeyMs); got != "9999-12-31" {
		t.Errorf("max key = %s", got)
	}
}

func TestRawRecordKeyString(t *testing.T) {
	r := RawRecord{Key: "2024-01-01"}
	if r.KeyString() != "2024-01-01" {
		t.Error("expected explicit key")
	}
	r = RawRecord{At: time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)}
	if r.KeyString() != "2024-01-01T00:01:00Z" {
		t.Errorf("got %s", r.KeyString())
	}
	if (&RawRecord{}).KeyString() != "" {
		t.Error("expected empty")
	}
}
