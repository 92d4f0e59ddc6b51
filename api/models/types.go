package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

const (
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite"
)

// JSONMap is a custom type that stores JSON objects. It maps to JSONB on
// PostgreSQL and TEXT on SQLite so the same models work in both
// deployments and tests.
type JSONMap map[string]interface{}

// GormDBDataType implements the GormDBDataTypeInterface to return
// dialect-specific column types
func (JSONMap) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	switch db.Name() {
	case dialectPostgres:
		return "JSONB"
	case dialectSQLite:
		return "TEXT"
	default:
		return "TEXT"
	}
}

// Value implements the driver.Valuer interface for database writes
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	bytes, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

// Scan implements the sql.Scanner interface for database reads
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = make(map[string]interface{})
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into JSONMap", value)
	}

	if len(bytes) == 0 {
		*m = make(map[string]interface{})
		return nil
	}

	return json.Unmarshal(bytes, m)
}
