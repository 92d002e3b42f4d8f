package render

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Format
		wantErr bool
	}{
		{"json lowercase", "json", FormatJSON, false},
		{"json uppercase", "JSON", FormatJSON, false},
		{"table", "table", FormatTable, false},
		{"yaml", "yaml", FormatYAML, false},
		{"empty", "", "", false},
		{"invalid", "xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseFormat_InvalidErrorMessage(t *testing.T) {
	_, err := ParseFormat("xml")
	if err == nil {
		t.Fatal("expected error for invalid format")
	}
	if !strings.Contains(err.Error(), "json, table, or yaml") {
		t.Errorf("error message should mention valid formats, got: %v", err)
	}
}

type playSummary struct {
	Engine  string           `json:"engine"`
	Buffers int64            `json:"buffers"`
	Stops   map[string]int64 `json:"stops"`
	Queue   *queueSummary    `json:"queue,omitempty"`
	secret  string
}

type queueSummary struct {
	Dropped int64 `json:"dropped"`
}

func TestRenderer_JSON(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatJSON, &buf)

	if err := r.Render(playSummary{Engine: "e1", Buffers: 3}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, `"engine": "e1"`) || !strings.Contains(got, `"buffers": 3`) {
		t.Errorf("JSON output missing expected content: %s", got)
	}
}

func TestRenderer_YAML(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatYAML, &buf)

	if err := r.Render(map[string]string{"key": "value"}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got := buf.String(); got != "key: value\n" {
		t.Errorf("YAML output = %q", got)
	}
}

func TestRenderer_Table_FlattensNested(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, &buf)

	data := &playSummary{
		Engine:  "e1",
		Buffers: 10,
		Stops:   map[string]int64{"wrong-state": 1, "unexpected-end": 2},
		Queue:   &queueSummary{Dropped: 4},
		secret:  "hidden",
	}
	if err := r.Render(data); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	got := buf.String()
	for _, want := range []string{"engine:", "e1", "buffers:", "stops.unexpected-end:", "queue.dropped:"} {
		if !strings.Contains(got, want) {
			t.Errorf("table output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "hidden") {
		t.Errorf("unexported field rendered:\n%s", got)
	}
	// Map keys are sorted.
	if strings.Index(got, "stops.unexpected-end") > strings.Index(got, "stops.wrong-state") {
		t.Errorf("map keys not sorted:\n%s", got)
	}
}

func TestRenderer_Table_Slice(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, &buf)

	type row struct {
		Seq  uint64 `json:"seq"`
		Type string `json:"type"`
	}
	if err := r.Render([]row{{0, "header"}, {1, "buffer"}}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2 rows:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "seq") || !strings.Contains(lines[2], "buffer") {
		t.Errorf("unexpected table:\n%s", buf.String())
	}
}

func TestRenderer_Table_EmptySlice(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, &buf)

	if err := r.Render([]string{}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(buf.String(), "(no results)") {
		t.Errorf("Empty slice should show '(no results)', got: %s", buf.String())
	}
}
