package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eddielth/telemetry-normalizer/config"
	"github.com/eddielth/telemetry-normalizer/logger"
	"github.com/eddielth/telemetry-normalizer/pipeline"
	"github.com/eddielth/telemetry-normalizer/transformer"
	"github.com/eddielth/telemetry-normalizer/validator"
)

const (
	legacyLine = `{"deviceID":"DK001","deviceType":"sensor","timestamp":1630454400000,"location":"Japan/Tokyo/Shibuya/Factory1/Section-A","operationStatus":"active","temp":23.5}`
	modernLine = `{"device":{"id":"DK001","type":"sensor"},"timestamp":"2021-09-01T00:00:00.000Z","country":"Japan","city":"Tokyo","area":"Shibuya","factory":"Factory1","section":"Section-A","data":{"status":"active","temperature":23.5}}`
	badLine    = `{"deviceID":"DK002","deviceType":"sensor","timestamp":1630454400000,"location":"Japan","operationStatus":"active","temp":23.5}`

	canonicalLine = `{"deviceID":"DK001","deviceType":"sensor","timestamp":1630454400000,"location":{"country":"Japan","city":"Tokyo","area":"Shibuya","factory":"Factory1","section":"Section-A"},"data":{"status":"active","temperature":23.5}}`
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestRunOnce(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "in.json", "["+legacyLine+","+modernLine+"]")
	output := filepath.Join(dir, "out.ndjson")

	if code := runOnce(filepath.Join(dir, "missing.yaml"), input, output); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}

	content, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 2 || lines[0] != canonicalLine || lines[1] != canonicalLine {
		t.Fatalf("unexpected output:\n%s", content)
	}
}

// captureOutput runs fn with os.Stdout and os.Stderr redirected to pipes
func captureOutput(t *testing.T, fn func()) (stdout, stderr string) {
	t.Helper()

	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}

	read := func(r io.Reader, dst *bytes.Buffer, done chan<- struct{}) {
		_, _ = io.Copy(dst, r)
		close(done)
	}
	var outBuf, errBuf bytes.Buffer
	outDone, errDone := make(chan struct{}), make(chan struct{})
	go read(outR, &outBuf, outDone)
	go read(errR, &errBuf, errDone)

	origOut, origErr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = outW, errW
	defer func() {
		os.Stdout, os.Stderr = origOut, origErr
		// rebind the default logger to the restored stdout
		_ = logger.Init(logger.DefaultConfig())
	}()

	fn()

	outW.Close()
	errW.Close()
	<-outDone
	<-errDone
	return outBuf.String(), errBuf.String()
}

func TestRunOnce_StdoutHoldsOnlyRecords(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "in.ndjson", legacyLine+"\n"+badLine+"\n"+modernLine+"\n")

	var code int
	stdout, stderr := captureOutput(t, func() {
		code = runOnce(filepath.Join(dir, "missing.yaml"), input, "")
	})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 stdout lines, got %d:\n%s", len(lines), stdout)
	}
	for _, line := range lines {
		if line != canonicalLine || !json.Valid([]byte(line)) {
			t.Fatalf("unexpected stdout line: %s", line)
		}
	}

	if !strings.Contains(stderr, "MalformedLocation") || !strings.Contains(stderr, "level=warning") {
		t.Fatalf("expected log lines on stderr, got:\n%s", stderr)
	}
}

func TestRunOnce_PartialFailure(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "in.ndjson", legacyLine+"\n"+badLine+"\n")
	output := filepath.Join(dir, "out.ndjson")

	if code := runOnce(filepath.Join(dir, "missing.yaml"), input, output); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}

	content, _ := os.ReadFile(output)
	if strings.TrimSpace(string(content)) != canonicalLine {
		t.Fatalf("expected only the valid record, got:\n%s", content)
	}
}

func TestRunOnce_WithConfigRules(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", `
validation:
  rules:
    - field: temperature
      min: 30
      max: 40
`)
	input := writeFile(t, dir, "in.json", legacyLine)

	if code := runOnce(cfgPath, input, filepath.Join(dir, "out.ndjson")); code != 1 {
		t.Fatalf("expected out-of-range record to fail, got exit code %d", code)
	}
}

func TestRunOnce_BadInput(t *testing.T) {
	dir := t.TempDir()

	if code := runOnce(filepath.Join(dir, "missing.yaml"), filepath.Join(dir, "nope.json"), ""); code != 2 {
		t.Fatalf("expected exit code 2 for missing input, got %d", code)
	}

	bad := writeFile(t, dir, "bad.json", "[{")
	if code := runOnce(filepath.Join(dir, "missing.yaml"), bad, filepath.Join(dir, "out.ndjson")); code != 2 {
		t.Fatalf("expected exit code 2 for unreadable input, got %d", code)
	}
}

func TestApplyConfig(t *testing.T) {
	transformers, err := transformer.NewManager(map[string]config.Script{
		"sensor":  {ScriptCode: `function enrich(r) { return r; }`},
		"gateway": {ScriptCode: `function enrich(r) { return r; }`},
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	processor := pipeline.NewProcessor(transformers, nil, nil)

	err = applyConfig(transformers, processor, &config.Config{
		Scripts: map[string]config.Script{
			"sensor": {ScriptCode: `function enrich(r) { r.data.v = 2; return r; }`},
		},
		Validation: config.ValidationConfig{Rules: []config.RangeRule{{Field: "temperature", Min: 30, Max: 40}}},
	})
	if err != nil {
		t.Fatalf("applyConfig failed: %v", err)
	}

	types := transformers.DeviceTypes()
	if len(types) != 1 || types[0] != "sensor" {
		t.Fatalf("expected only sensor script after reload, got %v", types)
	}

	if _, err := processor.Process([]byte(legacyLine)); pipeline.ErrorKind(err) != "OutOfRange" {
		t.Fatalf("expected reloaded rule to reject record, got %v", err)
	}

	processor.SetValidators(validator.FromRules(nil))
	record, err := processor.Process([]byte(legacyLine))
	if err != nil || record.Data["v"] == nil {
		t.Fatalf("expected reloaded script to run, got %#v, %v", record.Data, err)
	}
}
