package types

import (
	"time"
)

// Field names a value column.
type Field string

const (
	FieldOpen              Field = "open"
	FieldHigh              Field = "high"
	FieldLow               Field = "low"
	FieldClose             Field = "close"
	FieldOutstandingSupply Field = "outstanding_supply"
	FieldTradingVolume     Field = "trading_volume"
	FieldValue             Field = "value"
)

// AllFields lists every value column known to any schema.
var AllFields = []Field{
	FieldOpen, FieldHigh, FieldLow, FieldClose,
	FieldOutstandingSupply, FieldTradingVolume, FieldValue,
}

// Record is one validated row of a series. A nil field is SQL NULL.
// This is the primary data unit flowing through the storage system.
type Record struct {
	TimestampMs int64 `msgpack:"t"` // Key, Unix milliseconds UTC

	Open  *float64 `msgpack:"o,omitempty"`
	High  *float64 `msgpack:"h,omitempty"`
	Low   *float64 `msgpack:"l,omitempty"`
	Close *float64 `msgpack:"c,omitempty"`

	OutstandingSupply *float64 `msgpack:"s,omitempty"`
	TradingVolume     *float64 `msgpack:"v,omitempty"`

	Value *float64 `msgpack:"x,omitempty"`
}

// Time returns the key as a time.Time in UTC.
func (r Record) Time() time.Time {
	return time.UnixMilli(r.TimestampMs).UTC()
}

// Get returns the value of a field.
func (r *Record) Get(f Field) *float64 {
	switch f {
	case FieldOpen:
		return r.Open
	case FieldHigh:
		return r.High
	case FieldLow:
		return r.Low
	case FieldClose:
		return r.Close
	case FieldOutstandingSupply:
		return r.OutstandingSupply
	case FieldTradingVolume:
		return r.TradingVolume
	case FieldValue:
		return r.Value
	}
	return nil
}

// Set assigns a field. Unknown fields are ignored.
func (r *Record) Set(f Field, v *float64) {
	switch f {
	case FieldOpen:
		r.Open = v
	case FieldHigh:
		r.High = v
	case FieldLow:
		r.Low = v
	case FieldClose:
		r.Close = v
	case FieldOutstandingSupply:
		r.OutstandingSupply = v
	case FieldTradingVolume:
		r.TradingVolume = v
	case FieldValue:
		r.Value = v
	}
}

// Equal compares key and every field by value.
func (r Record) Equal(o Record) bool {
	if r.TimestampMs != o.TimestampMs {
		return false
	}
	for _, f := range AllFields {
		a, b := r.Get(f), o.Get(f)
		if (a == nil) != (b == nil) {
			return false
		}
		if a != nil && *a != *b {
			return false
		}
	}
	return true
}

// Float returns a pointer to v. Used to build literal records.
func Float(v float64) *float64 {
	return &v
}

// OHLC builds an OHLC record.
func OHLC(t time.Time, open, high, low, close float64) Record {
	return Record{
		TimestampMs: t.UnixMilli(),
		Open:        Float(open),
		High:        Float(high),
		Low:         Float(low),
		Close:       Float(close),
	}
}

// RawRecord is a row as it arrives from a feed, before validation.
// Key is the textual temporal key; At is used when Key is empty.
type RawRecord struct {
	Series string    `json:"series" validate:"required"`
	Key    string    `json:"key" validate:"omitempty,max=64"`
	At     time.Time `json:"at"`

	Open  *float64 `json:"open,omitempty"`
	High  *float64 `json:"high,omitempty"`
	Low   *float64 `json:"low,omitempty"`
	Close *float64 `json:"close,omitempty"`

	OutstandingSupply *float64 `json:"outstanding_supply,omitempty"`
	TradingVolume     *float64 `json:"trading_volume,omitempty"`

	Value *float64 `json:"value,omitempty"`
}

// KeyString returns the key as given, or At formatted when Key is empty.
func (r *RawRecord) KeyString() string {
	if r.Key != "" {
		return r.Key
	}
	if r.At.IsZero() {
		return ""
	}
	return r.At.Format(time.RFC3339Nano)
}

// Get returns the value of a field.
func (r *RawRecord) Get(f Field) *float64 {
	switch f {
	case FieldOpen:
		return r.Open
	case FieldHigh:
		return r.High
	case FieldLow:
		return r.Low
	case FieldClose:
		return r.Close
	case FieldOutstandingSupply:
		return r.OutstandingSupply
	case FieldTradingVolume:
		return r.TradingVolume
	case FieldValue:
		return r.Value
	}
	return nil
}

// Set assigns a field. Unknown fields are ignored.
func (r *RawRecord) Set(f Field, v *float64) {
	switch f {
	case FieldOpen:
		r.Open = v
	case FieldHigh:
		r.High = v
	case FieldLow:
		r.Low = v
	case FieldClose:
		r.Close = v
	case FieldOutstandingSupply:
		r.OutstandingSupply = v
	case FieldTradingVolume:
		r.TradingVolume = v
	case FieldValue:
		r.Value = v
	}
}
