package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ce "github.com/cloudevents/sdk-go/v2/event"

	"github.com/lsm/batchrules/internal/batch"
	"github.com/lsm/batchrules/internal/dlq"
)

const (
	iosLine     = `{"batch_id":1,"events":[{"data":{"event_name":"Test Event","custom_attributes":{"timing":5000}}}],"device_info":{"platform":"iOS"}}`
	androidLine = `{"batch_id":2,"events":[{"data":{"event_name":"Test Event"}}],"device_info":{"platform":"Android"}}`
	brokenLine  = `{"batch_id":3,"events":[],"user_attributes":{"$Country":7}}`
)

func outputLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestRun_BuiltInRule(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "in.jsonl", strings.Join([]string{iosLine, "", androidLine, brokenLine}, "\n")+"\n")

	res := execute(t, "", "run", "--rule", "main-example", "--input", input)
	if res.err != nil {
		t.Fatalf("unexpected error: %v\nstderr: %s", res.err, res.stderr)
	}
	lines := outputLines(res.stdout)
	if len(lines) != 1 {
		t.Fatalf("expected only the iOS batch, got %d lines:\n%s", len(lines), res.stdout)
	}
	b, err := batch.Decode([]byte(lines[0]))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if b.Events[0].Data.EventName != "Other" || b.Events[0].Data.CustomAttributes["speed"] != float64(5) {
		t.Errorf("unexpected output event %+v", b.Events[0].Data)
	}
	if !strings.Contains(res.stderr, `"msg":"run complete"`) || !strings.Contains(res.stderr, `"failed":1`) {
		t.Errorf("expected run summary on stderr, got %q", res.stderr)
	}
}

func TestRun_UnusableEventsLeaveBatchIntact(t *testing.T) {
	dir := t.TempDir()
	line := `{"batch_id":4,"events":[{"data":{"event_name":"new_name1"}},{"data":{"event_name":5}},{"event_type":"x"},7,{"data":{"event_name":"kept"}}]}`
	input := writeFile(t, dir, "in.jsonl", line+"\n")
	deadPath := filepath.Join(dir, "dead.jsonl")
	metricsPath := filepath.Join(dir, "metrics.prom")

	res := execute(t, "", "run", "--rule", "legacy-renamer", "--input", input,
		"--dead-letter", deadPath, "--metrics-out", metricsPath)
	if res.err != nil {
		t.Fatalf("unexpected error: %v\nstderr: %s", res.err, res.stderr)
	}
	lines := outputLines(res.stdout)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d:\n%s", len(lines), res.stdout)
	}
	if want := `{"batch_id":4,"events":[{"data":{"event_name":"legacy_name1"}},{"data":{"event_name":"kept"}}]}`; lines[0] != want {
		t.Errorf("want %s\ngot  %s", want, lines[0])
	}

	if data, err := os.ReadFile(deadPath); err == nil && len(outputLines(string(data))) != 0 {
		t.Errorf("expected no dead letters, got %s", data)
	}
	metrics, err := os.ReadFile(metricsPath)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	for _, want := range []string{
		`batchrules_events_total{outcome="failed",rule="legacy-renamer"} 3`,
		`batchrules_events_total{outcome="kept",rule="legacy-renamer"} 2`,
		`batchrules_batches_total{outcome="ok",rule="legacy-renamer"} 1`,
	} {
		if !strings.Contains(string(metrics), want) {
			t.Errorf("expected %s in metrics:\n%s", want, metrics)
		}
	}
}

func TestRun_TroubleshootingReportsUnusableEvent(t *testing.T) {
	line := `{"events":[{"data":{"event_name":"Drop this event"}},{"event_type":"x"}]}`
	res := execute(t, line+"\n", "run", "--rule", "troubleshooting")
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	lines := outputLines(res.stdout)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d:\n%s", len(lines), res.stdout)
	}
	b, err := batch.Decode([]byte(lines[0]))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if b.Len() != 2 || b.Error == "" {
		t.Errorf("expected original events with error, got %s", lines[0])
	}
	if strings.Contains(lines[0], `"event_name":""`) {
		t.Errorf("unexpected invented event name in %s", lines[0])
	}
}

func TestRun_ForwardOnError(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "in.jsonl", iosLine+"\n"+brokenLine+"\n"+"not json\n")

	res := execute(t, "", "run", "--rule", "main-example", "--input", input, "--on-error", "forward")
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	lines := outputLines(res.stdout)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d:\n%s", len(lines), res.stdout)
	}
	if lines[1] != brokenLine || lines[2] != "not json" {
		t.Errorf("expected failed lines forwarded unchanged, got %q and %q", lines[1], lines[2])
	}
}

func TestRun_PreservesInputOrder(t *testing.T) {
	dir := t.TempDir()
	var sb strings.Builder
	const n = 100
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, `{"batch_id":%d,"events":[{"data":{"event_name":"new_name%d"}}]}`+"\n", i, i%4)
	}
	input := writeFile(t, dir, "in.jsonl", sb.String())

	res := execute(t, "", "run", "--rule", "legacy-renamer", "--input", input, "--concurrency", "8")
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	lines := outputLines(res.stdout)
	if len(lines) != n {
		t.Fatalf("expected %d lines, got %d", n, len(lines))
	}
	for i, line := range lines {
		var got struct {
			BatchID int `json:"batch_id"`
			Events  []struct {
				Data struct {
					EventName string `json:"event_name"`
				} `json:"data"`
			} `json:"events"`
		}
		if err := json.Unmarshal([]byte(line), &got); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if got.BatchID != i {
			t.Fatalf("line %d: expected batch_id %d, got %d", i, i, got.BatchID)
		}
		want := fmt.Sprintf("new_name%d", i%4)
		if i%4 != 0 {
			want = fmt.Sprintf("legacy_name%d", i%4)
		}
		if got.Events[0].Data.EventName != want {
			t.Errorf("line %d: expected %s, got %s", i, want, got.Events[0].Data.EventName)
		}
	}
}

func TestRun_DeadLetterAndMetrics(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "in.jsonl", iosLine+"\n"+androidLine+"\n"+brokenLine+"\n")
	deadPath := filepath.Join(dir, "dead.jsonl")
	metricsPath := filepath.Join(dir, "metrics.prom")

	res := execute(t, "", "run", "--rule", "main-example", "--input", input,
		"--dead-letter", deadPath, "--metrics-out", metricsPath)
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}

	data, err := os.ReadFile(deadPath)
	if err != nil {
		t.Fatalf("read dead letters: %v", err)
	}
	records := outputLines(string(data))
	if len(records) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(records))
	}
	var rec dlq.Record
	if err := json.Unmarshal([]byte(records[0]), &rec); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if rec.Rule != "main-example" || rec.Line != 3 || rec.ErrorCode != dlq.CodeRuleFailed || rec.CorrelationID != "3" {
		t.Errorf("unexpected dead letter %+v", rec)
	}
	if string(rec.Batch) != brokenLine {
		t.Errorf("expected original line, got %s", rec.Batch)
	}

	metrics, err := os.ReadFile(metricsPath)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	for _, want := range []string{
		`batchrules_batches_total{outcome="ok",rule="main-example"} 1`,
		`batchrules_batches_total{outcome="dropped",rule="main-example"} 1`,
		`batchrules_batches_total{outcome="error",rule="main-example"} 1`,
		`batchrules_batch_duration_seconds_count{rule="main-example"} 3`,
	} {
		if !strings.Contains(string(metrics), want) {
			t.Errorf("expected %s in metrics:\n%s", want, metrics)
		}
	}
}

func TestRun_CloudEvents(t *testing.T) {
	dir := t.TempDir()
	in := ce.New()
	in.SetID("evt-1")
	in.SetType("com.example.batch")
	in.SetSource("/ingest/ios")
	in.SetSubject("user-42")
	if err := in.SetData(ce.ApplicationJSON, []byte(iosLine)); err != nil {
		t.Fatalf("set data: %v", err)
	}
	envelope, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	input := writeFile(t, dir, "in.jsonl", string(envelope)+"\n")

	res := execute(t, "", "run", "--rule", "main-example", "--input", input, "--cloudevents")
	if res.err != nil {
		t.Fatalf("unexpected error: %v\nstderr: %s", res.err, res.stderr)
	}
	lines := outputLines(res.stdout)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}

	var out ce.Event
	if err := json.Unmarshal([]byte(lines[0]), &out); err != nil {
		t.Fatalf("decode output event: %v", err)
	}
	if out.Type() != "com.example.batch" || out.Source() != "/ingest/ios" || out.Subject() != "user-42" {
		t.Errorf("expected type, source and subject kept, got %s %s %s", out.Type(), out.Source(), out.Subject())
	}
	if out.ID() == "" || out.ID() == "evt-1" {
		t.Errorf("expected a new id, got %q", out.ID())
	}
	if ext := out.Extensions()[ruleExtension]; ext != "main-example" {
		t.Errorf("expected rule extension, got %v", ext)
	}
	b, err := batch.Decode(out.Data())
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if b.Events[0].Data.EventName != "Other" {
		t.Errorf("expected transformed data, got %s", out.Data())
	}
}

func TestRun_CloudEventsInvalidEnvelope(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "in.jsonl", iosLine+"\n")
	deadPath := filepath.Join(dir, "dead.jsonl")

	res := execute(t, "", "run", "--rule", "main-example", "--input", input, "--cloudevents", "--dead-letter", deadPath)
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.stdout != "" {
		t.Errorf("expected no output, got %q", res.stdout)
	}
	data, _ := os.ReadFile(deadPath)
	if !strings.Contains(string(data), dlq.CodeDecodeFailed) {
		t.Errorf("expected decode failure dead letter, got %s", data)
	}
}

func TestRun_RulesDir(t *testing.T) {
	dir := t.TempDir()
	rulesDir := filepath.Join(dir, "rules")
	if err := os.Mkdir(rulesDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, rulesDir, "drop.yaml", "name: drop-debug\nevents:\n  - cel: {drop: 'event.data.event_name.startsWith(\"debug_\")'}\n")

	res := execute(t, `{"events":[{"data":{"event_name":"debug_x"}},{"data":{"event_name":"keep"}}]}`+"\n",
		"run", "--rules", rulesDir, "--rule", "drop-debug", "--input", "-")
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if strings.Contains(res.stdout, "debug_x") || !strings.Contains(res.stdout, `"keep"`) {
		t.Errorf("unexpected output %q", res.stdout)
	}

	res = execute(t, "", "run", "--rules", rulesDir, "--rule", "missing", "--input", "-")
	if res.err == nil || !strings.Contains(res.err.Error(), "available: drop-debug") {
		t.Errorf("expected not found error listing rules, got %v", res.err)
	}

	writeFile(t, rulesDir, "scale.yaml", "name: scale\nevents:\n  - scale: {from: timing, to: speed, divisor: 0}\n")
	res = execute(t, "", "run", "--rules", rulesDir, "--rule", "scale", "--input", "-")
	if res.err == nil || !strings.Contains(res.err.Error(), `rule "scale" in `+rulesDir+" failed to load") {
		t.Errorf("expected load failure, got %v", res.err)
	}
}

func TestRun_Errors(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "in.jsonl", iosLine+"\n")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown built-in", []string{"run", "--rule", "nope", "--input", input}, "unknown built-in rule"},
		{"bad concurrency", []string{"run", "--rule", "main-example", "--input", input, "--concurrency", "0"}, "invalid --concurrency"},
		{"bad policy", []string{"run", "--rule", "main-example", "--input", input, "--on-error", "x"}, "invalid --on-error"},
		{"missing input", []string{"run", "--rule", "main-example", "--input", filepath.Join(dir, "none.jsonl")}, "read input"},
		{"bad dead-letter address", []string{"run", "--rule", "main-example", "--input", input, "--dead-letter", "kafka://localhost:9092"}, "one topic is required"},
		{"repeated rule not found", []string{"run", "--rule", "main-example", "--rule", "nope", "--input", input}, "unknown built-in rule \"nope\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := execute(t, "", tt.args...)
			if res.err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(res.err.Error(), tt.want) {
				t.Errorf("expected %q in error, got %v", tt.want, res.err)
			}
		})
	}
}

func TestRun_ChainedRules(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "in.jsonl", iosLine+"\n"+brokenLine+"\n")
	deadPath := filepath.Join(dir, "dead.jsonl")

	res := execute(t, "", "run", "--rule", "legacy-renamer", "--rule", "main-example",
		"--input", input, "--dead-letter", deadPath)
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	lines := outputLines(res.stdout)
	if len(lines) != 1 || !strings.Contains(lines[0], `"event_name":"Other"`) {
		t.Fatalf("expected the iOS batch through both rules, got:\n%s", res.stdout)
	}

	data, err := os.ReadFile(deadPath)
	if err != nil {
		t.Fatalf("read dead letters: %v", err)
	}
	var rec dlq.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if rec.Rule != "legacy-renamer+main-example" {
		t.Errorf("expected chain name in dead letter, got %q", rec.Rule)
	}
	if !strings.Contains(rec.ErrorMessage, "handler 1 (main-example)") {
		t.Errorf("expected failing chain member in message, got %q", rec.ErrorMessage)
	}
}
