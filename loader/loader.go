package loader

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// MaxRecordBytes bounds a single line of newline-delimited input
const MaxRecordBytes = 10 << 20

// LoadFile reads raw records from path
func LoadFile(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s failed: %w", path, err)
	}
	defer f.Close()

	payloads, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("load %s failed: %w", path, err)
	}
	return payloads, nil
}

// Load reads raw records from r. The input may be a JSON array of records,
// a single (possibly indented) record, or newline-delimited records.
// Elements are returned undecoded so each one is validated on its own: a
// broken line in newline-delimited input becomes one bad payload instead of
// failing the whole input.
func Load(r io.Reader) ([][]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read input failed: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("decode array failed: %w", err)
		}
		payloads := make([][]byte, 0, len(items))
		for _, item := range items {
			payloads = append(payloads, []byte(item))
		}
		return payloads, nil
	}

	if payloads, err := decodeStream(data); err == nil {
		return payloads, nil
	}
	return splitLines(data)
}

// decodeStream reads concatenated JSON values, which covers a single
// multi-line object as well as well-formed NDJSON
func decodeStream(data []byte) ([][]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var payloads [][]byte
	for {
		var item json.RawMessage
		err := dec.Decode(&item)
		if err == io.EOF {
			return payloads, nil
		}
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, []byte(item))
	}
}

// splitLines returns every non-blank line as its own payload
func splitLines(data []byte) ([][]byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), MaxRecordBytes)

	var payloads [][]byte
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		payloads = append(payloads, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read record %d failed: %w", len(payloads), err)
	}
	return payloads, nil
}
