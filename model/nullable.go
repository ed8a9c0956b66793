package model

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// NullMetadata is an open key/value document that may be absent.
// Valid=false is stored as SQL NULL and is distinct from an empty map.
type NullMetadata struct {
	Map   map[string]interface{}
	Valid bool
}

// NullWaveform is an ordered list of peak samples that may be absent.
// Valid=false is stored as SQL NULL and is distinct from an empty list.
type NullWaveform struct {
	Samples []float64
	Valid   bool
}

// MetadataOf wraps m as a present value. A nil map becomes an empty document.
func MetadataOf(m map[string]interface{}) NullMetadata {
	if m == nil {
		m = map[string]interface{}{}
	}
	return NullMetadata{Map: m, Valid: true}
}

// WaveformOf wraps samples as a present value. A nil slice becomes an empty list.
func WaveformOf(samples []float64) NullWaveform {
	if samples == nil {
		samples = []float64{}
	}
	return NullWaveform{Samples: samples, Valid: true}
}

func jsonBytes(value interface{}) ([]byte, bool, error) {
	switch v := value.(type) {
	case nil:
		return nil, false, nil
	case []byte:
		b := bytes.TrimSpace(v)
		if len(b) == 0 || string(b) == "null" {
			return nil, false, nil
		}
		return b, true, nil
	case string:
		return jsonBytes([]byte(v))
	default:
		return nil, false, fmt.Errorf("unsupported JSON column type %T", value)
	}
}

// Scan accepts NULL, JSON text or JSON bytes.
func (m *NullMetadata) Scan(value interface{}) error {
	b, ok, err := jsonBytes(value)
	if err != nil || !ok {
		*m = NullMetadata{}
		return err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	*m = MetadataOf(out)
	return nil
}

// Value encodes the document as JSON text, or NULL when absent.
func (m NullMetadata) Value() (driver.Value, error) {
	if !m.Valid {
		return nil, nil
	}
	b, err := json.Marshal(MetadataOf(m.Map).Map)
	if err != nil {
		return nil, err
	}
	// MySQL rejects JSON values sent with the binary character set.
	return string(b), nil
}

func (m NullMetadata) MarshalJSON() ([]byte, error) {
	if !m.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(MetadataOf(m.Map).Map)
}

func (m *NullMetadata) UnmarshalJSON(data []byte) error {
	return m.Scan(data)
}

// GormDataType keeps gorm from parsing the struct's fields as columns.
func (NullMetadata) GormDataType() string {
	return "json"
}

// GormDBDataType picks a JSON column where the dialect has one.
func (NullMetadata) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonColumnType(db)
}

func (w *NullWaveform) Scan(value interface{}) error {
	b, ok, err := jsonBytes(value)
	if err != nil || !ok {
		*w = NullWaveform{}
		return err
	}
	var out []float64
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("decode waveform: %w", err)
	}
	*w = WaveformOf(out)
	return nil
}

func (w NullWaveform) Value() (driver.Value, error) {
	if !w.Valid {
		return nil, nil
	}
	b, err := json.Marshal(WaveformOf(w.Samples).Samples)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (w NullWaveform) MarshalJSON() ([]byte, error) {
	if !w.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(WaveformOf(w.Samples).Samples)
}

func (w *NullWaveform) UnmarshalJSON(data []byte) error {
	return w.Scan(data)
}

func (NullWaveform) GormDataType() string {
	return "json"
}

func (NullWaveform) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonColumnType(db)
}

func jsonColumnType(db *gorm.DB) string {
	switch db.Dialector.Name() {
	case "mysql":
		return "JSON"
	case "postgres":
		return "JSONB"
	default:
		return "TEXT"
	}
}
