package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	ce "github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lsm/batchrules/internal/batch"
	"github.com/lsm/batchrules/internal/config"
	"github.com/lsm/batchrules/internal/correlation"
	"github.com/lsm/batchrules/internal/dlq"
	"github.com/lsm/batchrules/internal/rule"
	"github.com/lsm/batchrules/internal/ruleset"
	"github.com/lsm/batchrules/internal/templates"
)

// ruleExtension is the CloudEvents extension naming the rule that produced
// an output event.
const ruleExtension = "batchrule"

const maxLineSize = 16 << 20

type runOptions struct {
	rulesDir    string
	ruleNames   []string
	input       string
	concurrency int
	cloudEvents bool
	onError     string
	metricsOut  string
	deadLetter  string
}

// runStats counts batch outcomes of one run.
type runStats struct {
	written   atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
	forwarded atomic.Int64
}

func newRunCmd(a *app) *cobra.Command {
	var o runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a rule over a JSONL file of batches",
		Long: `Run one rule over every line of a JSONL file. Each line is an independent
batch; batches are processed concurrently and written to stdout as JSONL in
input order. Dropped batches produce no output line.

--rule may be repeated. The rules then run in order as one chain: each rule
receives the output of the previous one, and a drop or failure ends the chain.

Without --rules the built-in reference rules are used: legacy-renamer,
main-example and troubleshooting.

Examples:
  batchrules run --rule main-example --input batches.jsonl
  batchrules run --rules ./rules --rule my-rule --input - --concurrency 8 < batches.jsonl
  batchrules run --rule main-example --input events.jsonl --cloudevents
  batchrules run --rule legacy-renamer --rule main-example --input batches.jsonl
  batchrules run --rule main-example --input batches.jsonl --dead-letter failed.jsonl --metrics-out metrics.prom
  batchrules run --rule main-example --input batches.jsonl --dead-letter kafka://localhost:9092/batch-dlq`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.rulesDir, "rules", "", "Directory of rule YAML files (default: built-in reference rules)")
	f.StringSliceVar(&o.ruleNames, "rule", nil, "Name of the rule to run; repeat to chain rules (required)")
	f.StringVar(&o.input, "input", "", "JSONL input file, or '-' for stdin (required)")
	f.IntVar(&o.concurrency, "concurrency", runtime.NumCPU(), "Maximum concurrent rule invocations")
	f.BoolVar(&o.cloudEvents, "cloudevents", false, "Lines are CloudEvents JSON envelopes carrying the batch as data")
	f.StringVar(&o.onError, "on-error", string(onErrorDrop), "Platform behaviour when the rule fails: drop or forward")
	f.StringVar(&o.metricsOut, "metrics-out", "", "Write Prometheus metrics in text format to this file")
	f.StringVar(&o.deadLetter, "dead-letter", "", "Append failed batches as JSON lines to this file, or publish them to kafka://broker[,broker]/topic")
	_ = cmd.MarkFlagRequired("rule")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func (a *app) run(ctx context.Context, stdin io.Reader, out io.Writer, o runOptions) error {
	policy, err := parseOnError(o.onError)
	if err != nil {
		return err
	}
	if o.concurrency < 1 {
		return fmt.Errorf("invalid --concurrency %d: must be at least 1", o.concurrency)
	}

	h, name, err := a.resolveRules(o.rulesDir, o.ruleNames)
	if err != nil {
		return err
	}

	lines, err := readLines(o.input, stdin)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	dead, err := newDeadLetter(o.deadLetter)
	if err != nil {
		return err
	}

	p := &lineProcessor{
		rule:        name,
		handler:     h,
		policy:      policy,
		cloudEvents: o.cloudEvents,
		dead:        dead,
		app:         a,
	}

	start := time.Now()
	results := make([][]byte, len(lines))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		g.Go(func() error {
			res, err := p.process(gctx, i+1, line)
			if err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			results[i] = res
			return nil
		})
	}
	runErr := g.Wait()

	bw := bufio.NewWriter(out)
	if runErr == nil {
		for _, res := range results {
			if res == nil {
				continue
			}
			bw.Write(res)
			bw.WriteByte('\n')
		}
	}

	errs := []error{runErr, bw.Flush(), dead.Close()}
	if o.metricsOut != "" {
		if err := prometheus.WriteToTextfile(o.metricsOut, a.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}

	a.logger.Info("run complete",
		"rule", name,
		"lines", len(lines),
		"written", p.stats.written.Load(),
		"dropped", p.stats.dropped.Load(),
		"failed", p.stats.failed.Load(),
		"forwarded", p.stats.forwarded.Load(),
		"duration", time.Since(start).String(),
	)
	return errors.Join(errs...)
}

// resolveRules loads dir into a registry, or uses the reference rules when
// dir is empty, and returns the named rules. More than one name yields a
// chain named after its members.
func (a *app) resolveRules(dir string, names []string) (rule.Handler, string, error) {
	if len(names) == 0 {
		return nil, "", errors.New("no rule given")
	}

	lookup, err := a.ruleLookup(dir)
	if err != nil {
		return nil, "", err
	}
	handlers := make([]rule.Handler, 0, len(names))
	for _, name := range names {
		h, err := lookup(name)
		if err != nil {
			return nil, "", err
		}
		handlers = append(handlers, h)
	}
	if len(handlers) == 1 {
		return handlers[0], names[0], nil
	}
	name := strings.Join(names, "+")
	return rule.NewChain(name, handlers...), name, nil
}

func (a *app) ruleLookup(dir string) (func(string) (rule.Handler, error), error) {
	if dir == "" {
		all := templates.All(a.ruleOptions()...)
		return func(name string) (rule.Handler, error) {
			h, ok := all[name]
			if !ok {
				return nil, fmt.Errorf("unknown built-in rule %q (available: %s, %s, %s)", name,
					templates.LegacyRenamerName, templates.MainExampleName, templates.TroubleshootingName)
			}
			return h, nil
		}, nil
	}

	loader := config.NewLoader(dir, a.logger)
	defs, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	reg := ruleset.NewRegistry(a.logger, a.ruleOptions()...)
	failed := reg.Update(defs, loader.Failed())
	return func(name string) (rule.Handler, error) {
		h, ok := reg.Get(name)
		if ok {
			return h, nil
		}
		if slices.Contains(failed, name) {
			return nil, fmt.Errorf("rule %q in %s failed to load", name, loader.Dir())
		}
		return nil, fmt.Errorf("rule %q not found in %s (available: %s)", name, loader.Dir(), strings.Join(reg.Names(), ", "))
	}, nil
}

// newDeadLetter returns the dead-letter handler for dest: nothing, a
// kafka://brokers/topic address or a file path.
func newDeadLetter(dest string) (*dlq.Handler, error) {
	if dest == "" {
		return dlq.NewHandler(&dlq.NoopPublisher{}), nil
	}
	if strings.HasPrefix(dest, "kafka://") {
		target, err := dlq.ParseKafkaTarget(dest)
		if err != nil {
			return nil, err
		}
		pub, err := dlq.NewKafkaPublisher(target)
		if err != nil {
			return nil, fmt.Errorf("dead-letter publisher: %w", err)
		}
		return dlq.NewHandler(pub), nil
	}
	path := dest
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter file: %w", err)
	}
	return dlq.NewHandler(dlq.NewWriterPublisher(f)), nil
}

func readLines(input string, stdin io.Reader) ([][]byte, error) {
	r := stdin
	if input != "-" {
		f, err := os.Open(filepath.Clean(input))
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = f.Close() // read-only
		}()
		r = f
	}

	var lines [][]byte
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		lines = append(lines, bytes.Clone(sc.Bytes()))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// lineProcessor runs one rule over independent input lines. It holds no
// per-line state, so process may run concurrently.
type lineProcessor struct {
	rule        string
	handler     rule.Handler
	policy      onErrorPolicy
	cloudEvents bool
	dead        *dlq.Handler
	app         *app
	stats       runStats
}

// process returns the output line for one input line, or nil when the batch
// produces no output. Only dead-letter failures are returned as errors.
func (p *lineProcessor) process(ctx context.Context, lineNo int, line []byte) ([]byte, error) {
	var envelope *ce.Event
	payload := line
	if p.cloudEvents {
		envelope = &ce.Event{}
		if err := envelope.UnmarshalJSON(line); err != nil {
			return p.fail(ctx, lineNo, line, "", dlq.CodeDecodeFailed, fmt.Errorf("decode cloudevent: %w", err))
		}
		payload = envelope.Data()
	}

	b, err := batch.Decode(payload)
	if err != nil {
		return p.fail(ctx, lineNo, line, "", dlq.CodeDecodeFailed, fmt.Errorf("decode batch: %w", err))
	}
	id := correlation.FromBatch(b)
	ctx = correlation.WithID(ctx, id)

	var (
		out    *batch.Batch
		runErr error
	)
	rule.Invoke(ctx, p.handler, b, func(err error, result *batch.Batch) {
		out, runErr = result, err
	})
	if runErr != nil {
		code := dlq.CodeRuleFailed
		var panicErr *rule.PanicError
		if errors.As(runErr, &panicErr) {
			code = dlq.CodePanic
		}
		return p.fail(ctx, lineNo, line, id.Value, code, runErr)
	}
	if out == nil {
		p.stats.dropped.Add(1)
		return nil, nil
	}

	encoded, err := out.Encode()
	if err != nil {
		return p.fail(ctx, lineNo, line, id.Value, dlq.CodeEncodeFailed, fmt.Errorf("encode batch: %w", err))
	}
	if envelope != nil {
		encoded, err = p.wrap(envelope, encoded)
		if err != nil {
			return p.fail(ctx, lineNo, line, id.Value, dlq.CodeEncodeFailed, err)
		}
	}
	p.stats.written.Add(1)
	return encoded, nil
}

// fail applies the on-error policy to a line that could not be processed.
func (p *lineProcessor) fail(ctx context.Context, lineNo int, line []byte, correlationID, code string, cause error) ([]byte, error) {
	p.stats.failed.Add(1)
	p.app.logger.Warn("batch failed", "rule", p.rule, "line", lineNo, "correlation_id", correlationID, "error_code", code, "error", cause)

	if err := p.dead.Send(ctx, line, dlq.FailureInfo{
		Rule:          p.rule,
		Line:          lineNo,
		CorrelationID: correlationID,
		ErrorCode:     code,
		ErrorMessage:  cause.Error(),
	}); err != nil {
		return nil, err
	}

	if p.policy == onErrorForward {
		p.stats.forwarded.Add(1)
		return line, nil
	}
	return nil, nil
}

// wrap builds the output CloudEvent: same type, source and subject as the
// input, a new ID and the transformed batch as data.
func (p *lineProcessor) wrap(in *ce.Event, data []byte) ([]byte, error) {
	out := ce.New()
	out.SetID(uuid.NewString())
	out.SetType(in.Type())
	out.SetSource(in.Source())
	if s := in.Subject(); s != "" {
		out.SetSubject(s)
	}
	out.SetTime(time.Now().UTC())
	out.SetExtension(ruleExtension, p.rule)
	if err := out.SetData(ce.ApplicationJSON, data); err != nil {
		return nil, fmt.Errorf("set cloudevent data: %w", err)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cloudevent: %w", err)
	}
	encoded, err := out.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode cloudevent: %w", err)
	}
	return encoded, nil
}
