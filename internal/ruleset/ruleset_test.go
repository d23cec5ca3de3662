package ruleset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/lsm/batchrules/internal/batch"
	"github.com/lsm/batchrules/internal/config"
	"github.com/lsm/batchrules/internal/rule"
)

func mustParse(t *testing.T, doc string) *config.RuleDefinition {
	t.Helper()
	def, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return def
}

func mustDecode(t *testing.T, s string) *batch.Batch {
	t.Helper()
	b, err := batch.Decode([]byte(s))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return b
}

func names(b *batch.Batch) []string {
	out := make([]string, 0, b.Len())
	for _, e := range b.Events {
		out = append(out, e.Data.EventName)
	}
	return out
}

const mainExample = `
name: main-example
events:
  - rename: {from: Test Event, to: Other}
  - scale: {from: timing, to: speed, divisor: 1000}
batch:
  - normalize:
      attribute: $Country
      variants: [united states, united states of america]
      value: USA
  - requirePlatform: iOS
`

func TestBuild_MainExample(t *testing.T) {
	h, err := Build(mustParse(t, mainExample))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := h.(*rule.Rule); !ok {
		t.Fatalf("expected *rule.Rule, got %T", h)
	}

	in := mustDecode(t, `{
		"events":[{"data":{"event_name":"Test Event","custom_attributes":{"timing":5000}}}],
		"user_attributes":{"$Country":"United States"},
		"device_info":{"platform":"iOS"}
	}`)
	out, err := h.Handle(context.Background(), in)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	e := out.Events[0]
	if e.Data.EventName != "Other" {
		t.Errorf("expected Other, got %q", e.Data.EventName)
	}
	if e.Data.CustomAttributes["speed"] != float64(5) {
		t.Errorf("expected speed 5, got %v", e.Data.CustomAttributes["speed"])
	}
	if out.UserAttributes["$Country"] != "USA" {
		t.Errorf("expected USA, got %v", out.UserAttributes["$Country"])
	}

	dropped, err := h.Handle(context.Background(), mustDecode(t, `{"device_info":{"platform":"Android"}}`))
	if err != nil || dropped != nil {
		t.Errorf("expected Android batch dropped, got (%v, %v)", dropped, err)
	}
}

func TestBuild_Troubleshoot(t *testing.T) {
	h, err := Build(mustParse(t, `
name: troubleshooting
troubleshoot: true
batch:
  - filter: {dropNames: [Drop this event]}
`))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ts, ok := h.(*rule.Troubleshooter)
	if !ok {
		t.Fatalf("expected *rule.Troubleshooter, got %T", h)
	}
	if ts.Name() != "troubleshooting" {
		t.Errorf("expected wrapped rule name, got %q", ts.Name())
	}

	out, err := h.Handle(context.Background(), mustDecode(t, `{"events":[{"data":{"event_name":"Drop this event"}},null]}`))
	if err != nil {
		t.Fatalf("troubleshooting rule failed outward: %v", err)
	}
	if out.Len() != 2 || out.Error == "" {
		t.Errorf("expected original batch with error set, got %d events and error %q", out.Len(), out.Error)
	}
}

func TestBuild_CELSteps(t *testing.T) {
	h, err := Build(mustParse(t, `
name: cel
events:
  - cel: {drop: 'event.data.event_name.startsWith("debug_")'}
  - cel:
      set: {attribute: label, expr: 'event.data.event_name.upperAscii()'}
batch:
  - cel: {drop: 'has(batch.device_info) && batch.device_info.platform == "web"'}
`))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	out, err := h.Handle(context.Background(), mustDecode(t, `{"events":[
		{"data":{"event_name":"debug_ping"}},
		{"data":{"event_name":"purchase"}}
	]}`))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := names(out); len(got) != 1 || got[0] != "purchase" {
		t.Fatalf("expected [purchase], got %v", got)
	}
	if out.Events[0].Data.CustomAttributes["label"] != "PURCHASE" {
		t.Errorf("expected label PURCHASE, got %v", out.Events[0].Data.CustomAttributes["label"])
	}

	dropped, err := h.Handle(context.Background(), mustDecode(t, `{"device_info":{"platform":"web"}}`))
	if err != nil || dropped != nil {
		t.Errorf("expected web batch dropped, got (%v, %v)", dropped, err)
	}
}

func TestBuild_AllEventKinds(t *testing.T) {
	h, err := Build(mustParse(t, `
name: kinds
events:
  - renameMapping:
      mapping: {new_name1: legacy_name1}
      strict: true
  - drop: {names: [legacy_name2]}
  - requireAttribute: {key: platform, value: iOS}
`))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	out, err := h.Handle(context.Background(), mustDecode(t, `{"events":[
		{"data":{"event_name":"new_name1","custom_attributes":{"platform":"iOS"}}},
		{"data":{"event_name":"unmapped","custom_attributes":{"platform":"iOS"}}},
		{"data":{"event_name":"new_name1","custom_attributes":{"platform":"Android"}}}
	]}`))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := names(out); len(got) != 1 || got[0] != "legacy_name1" {
		t.Errorf("expected [legacy_name1], got %v", got)
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name string
		def  *config.RuleDefinition
		want string
	}{
		{"nil", nil, "nil rule definition"},
		{"invalid", &config.RuleDefinition{}, "invalid rule"},
		{
			"bad cel",
			&config.RuleDefinition{Name: "x", Events: []config.EventStepConfig{{CEL: &config.EventCELConfig{Drop: "event.("}}}},
			"events[0]",
		},
		{
			"bad batch cel",
			&config.RuleDefinition{Name: "x", Batch: []config.BatchStepConfig{{CEL: &config.BatchCELConfig{Drop: "))"}}}},
			"batch[0]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.def)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in error, got %q", tt.want, err.Error())
			}
		})
	}
}

func TestBuild_BatchStepErrorPropagates(t *testing.T) {
	h, err := Build(mustParse(t, `
name: country
batch:
  - normalize: {attribute: $Country, variants: [united states], value: USA}
`))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	_, err = h.Handle(context.Background(), mustDecode(t, `{"user_attributes":{"$Country":1}}`))
	var stepErr *rule.StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected *rule.StepError, got %v", err)
	}
	if stepErr.Rule != "country" || stepErr.Step != "normalize" {
		t.Errorf("unexpected step error %+v", stepErr)
	}
}

func TestRegistry_UpdateAndGet(t *testing.T) {
	reg := NewRegistry(nil)
	failed := reg.Update(map[string]*config.RuleDefinition{
		"main-example": mustParse(t, mainExample),
		"drop":         mustParse(t, "name: drop\nevents:\n  - drop: {names: [a]}\n"),
	}, nil)
	if len(failed) != 0 {
		t.Fatalf("unexpected failures %v", failed)
	}
	if got := reg.Names(); len(got) != 2 || got[0] != "drop" || got[1] != "main-example" {
		t.Errorf("expected sorted names, got %v", got)
	}
	if _, ok := reg.Get("drop"); !ok {
		t.Error("expected drop rule")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("expected missing rule to be absent")
	}

	reg.Update(map[string]*config.RuleDefinition{"drop": mustParse(t, "name: drop\nevents:\n  - drop: {names: [b]}\n")}, nil)
	if _, ok := reg.Get("main-example"); ok {
		t.Error("expected removed rule to be gone")
	}
}

func TestRegistry_KeepsLastGoodHandler(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Update(map[string]*config.RuleDefinition{
		"cel": {Name: "cel", Events: []config.EventStepConfig{{CEL: &config.EventCELConfig{Drop: `event.data.event_name == "a"`}}}},
	}, nil)
	good, ok := reg.Get("cel")
	if !ok {
		t.Fatal("expected initial rule")
	}

	failed := reg.Update(map[string]*config.RuleDefinition{
		"cel":   {Name: "cel", Events: []config.EventStepConfig{{CEL: &config.EventCELConfig{Drop: "event.("}}}},
		"fresh": {Name: "fresh", Events: []config.EventStepConfig{{CEL: &config.EventCELConfig{Drop: "))"}}}},
	}, nil)
	if len(failed) != 2 || failed[0] != "cel" || failed[1] != "fresh" {
		t.Errorf("expected [cel fresh] to fail, got %v", failed)
	}
	h, ok := reg.Get("cel")
	if !ok {
		t.Fatal("expected previous handler to be kept")
	}
	if h != good {
		t.Error("expected the previously built handler instance")
	}
	if _, ok := reg.Get("fresh"); ok {
		t.Error("a rule that never built must not be registered")
	}
}

func TestRegistry_KeepsRuleWhoseFileFailsToLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.yaml")
	write := func(divisor int) {
		t.Helper()
		doc := fmt.Sprintf("name: r\nevents:\n  - scale: {from: timing, to: speed, divisor: %d}\n", divisor)
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatalf("write rule: %v", err)
		}
	}

	write(1000)
	loader := config.NewLoader(dir, nil)
	reg := NewRegistry(nil)
	defs, err := loader.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if failed := reg.Update(defs, loader.Failed()); len(failed) != 0 {
		t.Fatalf("unexpected failures %v", failed)
	}
	good, ok := reg.Get("r")
	if !ok {
		t.Fatal("expected rule r")
	}

	write(0)
	defs, err = loader.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	failed := reg.Update(defs, loader.Failed())
	if len(failed) != 1 || failed[0] != "r" {
		t.Errorf("expected [r] to fail, got %v", failed)
	}
	h, ok := reg.Get("r")
	if !ok {
		t.Fatal("expected previous handler to be kept")
	}
	if h != good {
		t.Error("expected the previously built handler instance")
	}
	if got := reg.Names(); len(got) != 1 || got[0] != "r" {
		t.Errorf("expected [r] registered, got %v", got)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	defs, _ = loader.Load()
	if failed := reg.Update(defs, loader.Failed()); len(failed) != 0 {
		t.Errorf("unexpected failures %v", failed)
	}
	if _, ok := reg.Get("r"); ok {
		t.Error("expected a deleted rule to be removed")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry(nil)
	defs := map[string]*config.RuleDefinition{"main-example": mustParse(t, mainExample)}
	reg.Update(defs, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.Update(defs, nil)
		}()
		go func() {
			defer wg.Done()
			if h, ok := reg.Get("main-example"); ok {
				_, _ = h.Handle(context.Background(), &batch.Batch{})
			}
			_ = reg.Names()
		}()
	}
	wg.Wait()
}
