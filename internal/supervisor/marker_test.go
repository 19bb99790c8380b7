// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package supervisor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestReadMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t1.json")
	body := `{"task_id":"t1","phase":"test","score":92,"criteria":[{"statement":"builds clean","met":true}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := readMarker(path)
	if err != nil {
		t.Fatalf("readMarker: %v", err)
	}
	if m.TaskID != "t1" || m.Score != 92 {
		t.Errorf("marker = %+v", m)
	}
	if len(m.Criteria) != 1 || !m.Criteria[0].Met {
		t.Errorf("criteria = %+v", m.Criteria)
	}
}

func TestReadMarkerAbsentOrMalformed(t *testing.T) {
	dir := t.TempDir()

	if _, err := readMarker(filepath.Join(dir, "missing.json")); !errors.Is(err, ErrNoMarker) {
		t.Errorf("absent marker err = %v, want ErrNoMarker", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readMarker(bad); !errors.Is(err, ErrNoMarker) {
		t.Errorf("malformed marker err = %v, want ErrNoMarker", err)
	}

	oob := filepath.Join(dir, "oob.json")
	if err := os.WriteFile(oob, []byte(`{"task_id":"t","score":150}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readMarker(oob); !errors.Is(err, ErrNoMarker) {
		t.Errorf("out-of-range score err = %v, want ErrNoMarker", err)
	}
}

func TestConsumeMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := consumeMarker(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("marker still present after consume")
	}
	// Consuming an already-consumed marker is fine.
	if err := consumeMarker(path); err != nil {
		t.Errorf("second consume: %v", err)
	}
}
