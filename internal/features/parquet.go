package features

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
)

type schemaField struct {
	Tag    string        `json:"Tag"`
	Fields []schemaField `json:"Fields,omitempty"`
}

// parquetSchema describes the table as a required UTF8 key followed by
// optional DOUBLE columns.
func parquetSchema(t *Table) (string, error) {
	root := schemaField{Tag: "name=parquet_go_root, repetitiontype=REQUIRED"}
	root.Fields = append(root.Fields, schemaField{
		Tag: fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED", t.KeyColumn),
	})
	for _, c := range t.Columns {
		if strings.ContainsAny(c, ", =") {
			return "", fmt.Errorf("column name %q cannot be used in a parquet schema", c)
		}
		root.Fields = append(root.Fields, schemaField{
			Tag: fmt.Sprintf("name=%s, type=DOUBLE, repetitiontype=OPTIONAL", c),
		})
	}

	b, err := json.Marshal(root)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteParquetFile writes the table to path. Missing values are stored as nulls.
func WriteParquetFile(path string, t *Table) error {
	schema, err := parquetSchema(t)
	if err != nil {
		return err
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	return finishParquet(fw, schema, t)
}

// finishParquet writes t to fw and closes it, reporting the close error
func finishParquet(fw source.ParquetFile, schema string, t *Table) error {
	if err := writeParquet(fw, schema, t); err != nil {
		fw.Close()
		return err
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("failed to close parquet file: %w", err)
	}
	return nil
}

func writeParquet(fw source.ParquetFile, schema string, t *Table) error {
	pw, err := writer.NewJSONWriter(schema, fw, 4)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}

	record := make(map[string]interface{}, len(t.Columns)+1)
	for i, key := range t.Keys {
		record[t.KeyColumn] = key
		for j, c := range t.Columns {
			v := t.Values[i][j]
			if math.IsNaN(v) {
				record[c] = nil
			} else {
				record[c] = v
			}
		}

		line, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to encode row %q: %w", key, err)
		}
		if err := pw.Write(string(line)); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to finish parquet file: %w", err)
	}
	return nil
}
