package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Layouts tried, in order, when a temporal column arrives as text.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// Default returns a registry with the stock decoders and encoders:
// JSON columns decode into generic Go values, UUID columns into uuid.UUID,
// and temporal columns into UTC time.Time truncated to milliseconds.
func Default() *Registry {
	r := NewRegistry()

	r.SetDecoder("JSON", decodeJSON)
	r.SetDecoder("JSONB", decodeJSON)
	r.SetDecoder("UUID", decodeUUID)
	for _, name := range []string{"DATETIME", "TIMESTAMP", "TIMESTAMPTZ", "DATE"} {
		r.SetDecoder(name, decodeTime)
	}

	r.SetEncoder(uuid.UUID{}, func(v any) (driver.Value, error) {
		return v.(uuid.UUID).String(), nil
	})
	r.SetEncoder(json.RawMessage{}, func(v any) (driver.Value, error) {
		return []byte(v.(json.RawMessage)), nil
	})
	r.SetEncoder(time.Time{}, func(v any) (driver.Value, error) {
		return v.(time.Time).UTC().Truncate(time.Millisecond), nil
	})
	return r
}

func asBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported source type %T", src)
	}
}

func decodeJSON(src any) (any, error) {
	b, err := asBytes(src)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeUUID(src any) (any, error) {
	b, err := asBytes(src)
	if err != nil {
		return nil, err
	}
	if len(b) == 16 {
		return uuid.FromBytes(b)
	}
	return uuid.ParseBytes(b)
}

func decodeTime(src any) (any, error) {
	if t, ok := src.(time.Time); ok {
		return t.UTC().Truncate(time.Millisecond), nil
	}
	b, err := asBytes(src)
	if err != nil {
		return nil, err
	}
	s := string(b)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Millisecond), nil
		}
	}
	return nil, fmt.Errorf("unrecognized time %q", s)
}
