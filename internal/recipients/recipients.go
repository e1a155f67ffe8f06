// Package recipients loads recipient records from a YAML or CSV file.
package recipients

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shineum/mailmerge-lite/internal/email"
)

// Column headers of a recipient sheet.
const (
	ColumnName    = "Name"
	ColumnAddress = "Email Address"
	ColumnSubject = "Subject"
	ColumnBody    = "Body"
)

// Load reads recipients from path. Files ending in .csv are parsed as CSV
// with a header row; everything else is parsed as a YAML list.
func Load(path string) ([]email.Recipient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipients file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ParseCSV(bytes.NewReader(data))
	default:
		return ParseYAML(data)
	}
}

// ParseYAML parses a YAML sequence of mappings keyed by the column headers.
func ParseYAML(data []byte) ([]email.Recipient, error) {
	var list []email.Recipient
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse recipients YAML: %w", err)
	}
	if list == nil {
		list = []email.Recipient{}
	}
	return list, nil
}

// ParseCSV parses CSV with a header row. Column order is free; the Name and
// Email Address columns are required.
func ParseCSV(r io.Reader) ([]email.Recipient, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return []email.Recipient{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read recipients header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, col := range header {
		index[strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))] = i
	}
	for _, required := range []string{ColumnName, ColumnAddress} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("recipients header is missing the %q column", required)
		}
	}

	field := func(record []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	list := []email.Recipient{}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return list, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read recipients row: %w", err)
		}

		list = append(list, email.Recipient{
			Name:    field(record, ColumnName),
			Address: field(record, ColumnAddress),
			Subject: field(record, ColumnSubject),
			Body:    field(record, ColumnBody),
		})
	}
}
