package features

import (
	"fmt"
	"math"
	"sort"
)

// OuterJoin merges tables on their key column. Every key of every table
// appears once in the output, sorted; columns a table does not provide are
// missing for its absent keys. The output key column is named after the
// first table's.
func OuterJoin(tables ...*Table) (*Table, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("outer join needs at least one table")
	}

	out, offsets, err := joinedColumns(tables)
	if err != nil {
		return nil, err
	}

	keySet := make(map[string]struct{})
	for _, t := range tables {
		for _, k := range t.Keys {
			keySet[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := fill(out, keys, tables, offsets); err != nil {
		return nil, err
	}
	return out, nil
}

// LeftJoin keeps the keys of left in their order and adds right's columns.
// Keys of right that left does not have are dropped.
func LeftJoin(left, right *Table) (*Table, error) {
	tables := []*Table{left, right}
	out, offsets, err := joinedColumns(tables)
	if err != nil {
		return nil, err
	}
	if err := fill(out, left.Keys, tables, offsets); err != nil {
		return nil, err
	}
	return out, nil
}

func joinedColumns(tables []*Table) (*Table, []int, error) {
	keyColumn := tables[0].KeyColumn
	var columns []string
	offsets := make([]int, len(tables))
	partial := false

	for i, t := range tables {
		if t.KeyColumn == "" {
			return nil, nil, fmt.Errorf("%w: table %d", ErrMissingKeyColumn, i)
		}
		offsets[i] = len(columns)
		columns = append(columns, t.Columns...)
		partial = partial || t.Partial
	}

	out, err := NewTable(keyColumn, columns...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to join tables: %w", err)
	}
	out.Partial = partial
	return out, offsets, nil
}

func fill(out *Table, keys []string, tables []*Table, offsets []int) error {
	for i, t := range tables {
		if err := checkUniqueKeys(t); err != nil {
			return fmt.Errorf("table %d: %w", i, err)
		}
	}

	for _, key := range keys {
		row := make([]float64, len(out.Columns))
		for i := range row {
			row[i] = math.NaN()
		}
		for i, t := range tables {
			if r := t.Row(key); r >= 0 {
				copy(row[offsets[i]:], t.Values[r])
			}
		}
		if err := out.AddRow(key, row); err != nil {
			return err
		}
	}
	return nil
}

func checkUniqueKeys(t *Table) error {
	seen := make(map[string]struct{}, len(t.Keys))
	for _, k := range t.Keys {
		if _, ok := seen[k]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, k)
		}
		seen[k] = struct{}{}
	}
	return nil
}
