// pkg/models/jsonmap.go

package models

import (
	"database/sql/driver"
	"encoding/json"

	cerr "github.com/cockroachdb/errors"
)

// JSONMap is a jsonb column holding request parameters.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, cerr.Wrap(err, "marshal jsonb")
	}
	return string(b), nil
}

func (m *JSONMap) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return cerr.Newf("unsupported jsonb source %T", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	out := JSONMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return cerr.Wrap(err, "unmarshal jsonb")
	}
	*m = out
	return nil
}

// GormDataType lets gorm migrate the column as jsonb.
func (JSONMap) GormDataType() string { return "jsonb" }
