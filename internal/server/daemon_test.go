package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/csvquery/csvquery/internal/indexer"
	json "github.com/goccy/go-json"
)

func buildDaemonIndex(t *testing.T, csvPath, outputDir, columnsJSON string) {
	t.Helper()
	cfg := indexer.IndexerConfig{
		InputFile:   csvPath,
		OutputDir:   outputDir,
		Columns:     columnsJSON,
		Separator:   ",",
		Workers:     1,
		MemoryMB:    64,
		BloomFPRate: 0.01,
	}
	idx := indexer.NewIndexer(cfg)
	if err := idx.Run(); err != nil {
		t.Fatalf("indexer.Run: %v", err)
	}
}

func newTestDaemon(t *testing.T, csvPath, indexDir string) *UDSDaemon {
	t.Helper()
	return NewUDSDaemon(DaemonConfig{CsvPath: csvPath, IndexDir: indexDir})
}

func TestProcessRequestPing(t *testing.T) {
	d := newTestDaemon(t, "", "")
	resp := d.processRequest([]byte(`{"action":"ping"}`))

	var payload map[string]interface{}
	if err := json.Unmarshal(resp, &payload); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if payload["pong"] != true {
		t.Fatalf("expected pong=true, got %+v", payload)
	}
	if payload["error"] != nil {
		t.Fatalf("expected nil error, got %v", payload["error"])
	}
}

func TestProcessRequestUnknownAction(t *testing.T) {
	d := newTestDaemon(t, "", "")
	resp := d.processRequest([]byte(`{"action":"bogus"}`))

	var payload map[string]interface{}
	if err := json.Unmarshal(resp, &payload); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if payload["error"] == nil {
		t.Fatalf("expected error for unknown action, got %+v", payload)
	}
}

func TestProcessRequestCountAndSelect(t *testing.T) {
	tmp := t.TempDir()
	csvPath := filepath.Join(tmp, "data.csv")
	if err := os.WriteFile(csvPath, []byte("id,name,status\n1,a,active\n2,b,inactive\n3,c,active\n"), 0644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	indexDir := filepath.Join(tmp, "idx")
	buildDaemonIndex(t, csvPath, indexDir, `["status"]`)

	d := newTestDaemon(t, csvPath, indexDir)

	countResp := d.processRequest([]byte(`{"action":"count","where":{"status":"active"}}`))
	var countPayload map[string]interface{}
	if err := json.Unmarshal(countResp, &countPayload); err != nil {
		t.Fatalf("unmarshal count response: %v", err)
	}
	if countPayload["error"] != nil {
		t.Fatalf("count error: %v", countPayload["error"])
	}
	count, ok := countPayload["count"].(float64)
	if !ok || count != 2 {
		t.Fatalf("count = %v, want 2", countPayload["count"])
	}

	selectResp := d.processRequest([]byte(`{"action":"select","where":{"status":"active"},"limit":1}`))
	var selectPayload map[string]interface{}
	if err := json.Unmarshal(selectResp, &selectPayload); err != nil {
		t.Fatalf("unmarshal select response: %v", err)
	}
	if selectPayload["error"] != nil {
		t.Fatalf("select error: %v", selectPayload["error"])
	}
	rows, ok := selectPayload["rows"].([]interface{})
	if !ok || len(rows) != 1 {
		t.Fatalf("rows = %+v, want exactly one row", selectPayload["rows"])
	}
	row := rows[0].(map[string]interface{})
	if row["offset"].(float64) != 15 || row["line"].(float64) != 2 {
		t.Fatalf("row = %+v, want offset=15 line=2", row)
	}
}

func TestProcessRequestGroupBy(t *testing.T) {
	tmp := t.TempDir()
	csvPath := filepath.Join(tmp, "data.csv")
	if err := os.WriteFile(csvPath, []byte("id,category\n1,a\n2,a\n3,b\n"), 0644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	indexDir := filepath.Join(tmp, "idx")
	buildDaemonIndex(t, csvPath, indexDir, `["category"]`)

	d := newTestDaemon(t, csvPath, indexDir)

	resp := d.processRequest([]byte(`{"action":"groupby","groupBy":"category","aggFunc":"count"}`))
	var payload map[string]interface{}
	if err := json.Unmarshal(resp, &payload); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if payload["error"] != nil {
		t.Fatalf("groupby error: %v", payload["error"])
	}
	groups, ok := payload["groups"].(map[string]interface{})
	if !ok {
		t.Fatalf("groups = %+v, want a map", payload["groups"])
	}
	if groups["a"].(float64) != 2 || groups["b"].(float64) != 1 {
		t.Fatalf("groups = %+v, want a=2 b=1", groups)
	}
}

func TestProcessRequestQueryExplainOnStaleIndex(t *testing.T) {
	tmp := t.TempDir()
	csvPath := filepath.Join(tmp, "data.csv")
	if err := os.WriteFile(csvPath, []byte("id,status\n1,active\n2,inactive\n"), 0644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	indexDir := filepath.Join(tmp, "idx")
	buildDaemonIndex(t, csvPath, indexDir, `["status"]`)

	f, err := os.OpenFile(csvPath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString("3,active\n"); err != nil {
		t.Fatalf("append row: %v", err)
	}
	f.Close()

	d := newTestDaemon(t, csvPath, indexDir)
	resp := d.processRequest([]byte(`{"action":"query","where":{"status":"active"},"explain":true}`))

	var payload map[string]interface{}
	if err := json.Unmarshal(resp, &payload); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if payload["error"] != nil {
		t.Fatalf("query error: %v", payload["error"])
	}
	result, ok := payload["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("result = %+v, want a plan map", payload["result"])
	}
	if result["strategy"] != "Full Scan" || result["reason"] != "integrity-stale" {
		t.Fatalf("plan = %+v, want strategy=Full Scan reason=integrity-stale", result)
	}
}
