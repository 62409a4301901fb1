// ABOUTME: Column mapping from a provider record type to its table schema
// ABOUTME: DDL, select lists and upsert assignments are generated from the mapping

package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Column is one provider-specific column.
type Column struct {
	Name string
	// Type is the SQLite column type: TEXT, INTEGER or REAL.
	Type string
}

// Mapping binds a record type to a table.
// Values and Targets must return one element per column, in column order.
type Mapping[R any] struct {
	Table   string
	Columns []Column

	// Values returns the arguments written for a record.
	Values func(r *R) []any

	// Targets returns the scan destinations that fill a record.
	Targets func(r *R) []any

	// TerminalMiss is an optional SQL condition marking found rows that
	// record a provider-side miss. Purges treat them like not-found rows.
	TerminalMiss string
}

var reservedColumns = map[string]bool{
	"id": true, "package_id": true, "outcome": true,
	"raw_response": true, "created_at": true, "updated_at": true,
}

func (m Mapping[R]) validate() error {
	if m.Table == "" {
		return errors.New("mapping has no table name")
	}
	if len(m.Columns) == 0 || m.Values == nil || m.Targets == nil {
		return fmt.Errorf("mapping %s is incomplete", m.Table)
	}
	var probe R
	if n := len(m.Values(&probe)); n != len(m.Columns) {
		return fmt.Errorf("mapping %s: %d values for %d columns", m.Table, n, len(m.Columns))
	}
	if n := len(m.Targets(&probe)); n != len(m.Columns) {
		return fmt.Errorf("mapping %s: %d targets for %d columns", m.Table, n, len(m.Columns))
	}
	for _, c := range m.Columns {
		if reservedColumns[c.Name] {
			return fmt.Errorf("mapping %s: column %s is reserved", m.Table, c.Name)
		}
	}
	return nil
}

func (m Mapping[R]) columnList() string {
	names := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}

func (m Mapping[R]) updateList() string {
	sets := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		sets[i] = c.Name + " = excluded." + c.Name
	}
	return strings.Join(sets, ", ")
}

func (m Mapping[R]) createTableSQL() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS %s (\n", m.Table)
	sb.WriteString("\tid INTEGER PRIMARY KEY AUTOINCREMENT,\n")
	sb.WriteString("\tpackage_id TEXT NOT NULL UNIQUE,\n")
	for _, c := range m.Columns {
		fmt.Fprintf(&sb, "\t%s %s,\n", c.Name, c.Type)
	}
	sb.WriteString("\toutcome TEXT NOT NULL CHECK (outcome IN ('found', 'not_found')),\n")
	sb.WriteString("\traw_response TEXT,\n")
	sb.WriteString("\tcreated_at INTEGER NOT NULL,\n")
	sb.WriteString("\tupdated_at INTEGER NOT NULL\n")
	sb.WriteString(")")
	return sb.String()
}

// jsonList stores a string slice as a JSON array in a TEXT column.
type jsonList struct{ dst *[]string }

// Value implements driver.Valuer.
func (j jsonList) Value() (driver.Value, error) {
	if j.dst == nil || *j.dst == nil {
		return nil, nil
	}
	b, err := json.Marshal(*j.dst)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (j jsonList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*j.dst = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported list column type %T", src)
	}
	return json.Unmarshal(raw, j.dst)
}

// JSONList adapts a string slice field for Values and Targets.
func JSONList(dst *[]string) any { return jsonList{dst: dst} }

// missCondition matches rows that purges treat as not found.
func (m Mapping[R]) missCondition() string {
	cond := "outcome = '" + string(OutcomeNotFound) + "'"
	if m.TerminalMiss != "" {
		cond = "(" + cond + " OR " + m.TerminalMiss + ")"
	}
	return cond
}

func (m Mapping[R]) assignList() string {
	sets := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		sets[i] = c.Name + " = ?"
	}
	return strings.Join(sets, ", ")
}
