package pixel

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/kaptinlin/jsonschema"

	schemapixel "github.com/davidahmann/qube/core/schema/v1/pixel"
)

//go:embed schema.json
var recordSchemaJSON []byte

var (
	recordSchemaOnce sync.Once
	recordSchema     *jsonschema.Schema
	recordSchemaErr  error
)

func loadRecordSchema() (*jsonschema.Schema, error) {
	recordSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		recordSchema, recordSchemaErr = compiler.Compile(recordSchemaJSON)
		if recordSchemaErr != nil {
			recordSchemaErr = fmt.Errorf("compile record schema: %w", recordSchemaErr)
		}
	})
	return recordSchema, recordSchemaErr
}

// ValidateJSON checks one encoded record against the record schema.
func ValidateJSON(data []byte) error {
	schema, err := loadRecordSchema()
	if err != nil {
		return err
	}
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("record schema validation failed: %v", result.Errors)
}

// Marshal returns the persisted single-line form of a record.
func Marshal(record schemapixel.Record) ([]byte, error) {
	return CanonicalBytes(record)
}

// Unmarshal validates and decodes one persisted record. It does not verify the
// self hash; that is the chain validator's job.
func Unmarshal(data []byte) (schemapixel.Record, error) {
	trimmed := bytes.TrimSpace(data)
	if err := ValidateJSON(trimmed); err != nil {
		return schemapixel.Record{}, err
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.DisallowUnknownFields()
	var record schemapixel.Record
	if err := decoder.Decode(&record); err != nil {
		return schemapixel.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}

// ReadStream decodes a JSONL token pixel stream. Blank lines are skipped; any
// malformed line fails the whole read with its line number.
func ReadStream(reader io.Reader) ([]schemapixel.Record, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	records := make([]schemapixel.Record, 0)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		record, err := Unmarshal(line)
		if err != nil {
			return nil, fmt.Errorf("pixel stream line %d: %w", lineNo, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read pixel stream: %w", err)
	}
	return records, nil
}

// WriteStream writes records as canonical JSONL.
func WriteStream(writer io.Writer, records []schemapixel.Record) error {
	for _, record := range records {
		line, err := Marshal(record)
		if err != nil {
			return err
		}
		line = append(line, '\n')
		if _, err := writer.Write(line); err != nil {
			return fmt.Errorf("write pixel stream: %w", err)
		}
	}
	return nil
}
