// Package main implements a scripted agent worker for local runs and e2e
// tests. It answers bsai agent requests over NATS from JSON fixture files
// named by operation: plan.json, generate.json, verify.json, replan.json
// and respond.json. The file content is returned as the reply result.
//
// Usage:
//
//	mock-agent -fixtures /path/to/fixtures -nats nats://localhost:4222
//
// Sequential fixtures: numbered files (verify.1.json, verify.2.json) are
// served in order for successive calls, then the base file repeats. This
// scripts fail-then-pass verification loops.
//
// Operations without a fixture get a canned reply: generate echoes the
// milestone, verify passes, replan changes nothing and respond summarizes.
// plan has no default.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/nats-io/nats.go"

	pipelinecontroller "github.com/blas1n/bsai-sub001/processor/pipeline-controller"
)

// operations are the agent subjects served, relative to the prefix.
var operations = []string{"plan", "generate", "verify", "replan", "respond"}

type agent struct {
	fixtures map[string][]json.RawMessage // operation → ordered replies
	calls    atomic.Int64

	countsMu sync.Mutex
	counts   map[string]int

	logger *slog.Logger
}

func newAgent(fixtures map[string][]json.RawMessage, logger *slog.Logger) *agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &agent{
		fixtures: fixtures,
		counts:   make(map[string]int),
		logger:   logger.With("component", "mock-agent"),
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture reply files")
	natsURL := flag.String("nats", "", "NATS server URL")
	prefix := flag.String("prefix", pipelinecontroller.DefaultSubjectPrefix, "agent subject prefix")
	flag.Parse()

	if envDir := os.Getenv("MOCK_AGENT_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *natsURL == "" {
		*natsURL = os.Getenv("BSAI_NATS_URL")
	}
	if *natsURL == "" {
		*natsURL = nats.DefaultURL
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	fixtures := map[string][]json.RawMessage{}
	if *fixtureDir != "" {
		var err error
		fixtures, err = loadFixtures(os.DirFS(*fixtureDir))
		if err != nil {
			logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
			os.Exit(1)
		}
	}
	for op, seq := range fixtures {
		logger.Info("Loaded fixtures", "operation", op, "count", len(seq))
	}

	nc, err := nats.Connect(*natsURL, nats.Name("mock-agent"))
	if err != nil {
		logger.Error("Failed to connect to NATS", "url", *natsURL, "error", err)
		os.Exit(1)
	}
	defer nc.Drain()

	a := newAgent(fixtures, logger)
	if err := a.subscribe(nc, *prefix); err != nil {
		logger.Error("Failed to subscribe", "error", err)
		os.Exit(1)
	}
	logger.Info("Mock agent listening", "url", *natsURL, "prefix", *prefix)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	logger.Info("Mock agent stopped", "calls", a.calls.Load())
}

// subscribe serves every operation under prefix.
func (a *agent) subscribe(nc *nats.Conn, prefix string) error {
	for _, op := range operations {
		subject := prefix + "." + op
		if _, err := nc.Subscribe(subject, func(m *nats.Msg) {
			data, err := json.Marshal(a.handle(op, m.Data))
			if err != nil {
				a.logger.Error("Failed to marshal reply", "operation", op, "error", err)
				return
			}
			if err := m.Respond(data); err != nil {
				a.logger.Warn("Failed to respond", "operation", op, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}
	return nc.Flush()
}

// handle builds the reply for one request.
func (a *agent) handle(op string, data []byte) pipelinecontroller.AgentReply {
	callNum := a.calls.Add(1)
	index := a.nextIndex(op)

	if seq := a.fixtures[op]; len(seq) > 0 {
		result := seq[len(seq)-1]
		if index < len(seq) {
			result = seq[index]
		}
		a.logger.Info("Served fixture", "call", callNum, "operation", op, "index", index+1, "of", len(seq))
		return pipelinecontroller.AgentReply{Result: result}
	}

	result, err := defaultReply(op, data)
	if err != nil {
		a.logger.Warn("No reply for operation", "call", callNum, "operation", op, "error", err)
		return pipelinecontroller.AgentReply{Error: err.Error()}
	}
	return pipelinecontroller.AgentReply{Result: result}
}

func (a *agent) nextIndex(op string) int {
	a.countsMu.Lock()
	defer a.countsMu.Unlock()
	i := a.counts[op]
	a.counts[op] = i + 1
	return i
}

func defaultReply(op string, data []byte) (json.RawMessage, error) {
	var v any
	switch op {
	case "generate":
		var req pipelinecontroller.RemoteGenerateRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decode generate request: %w", err)
		}
		v = pipelinecontroller.Generation{Output: "completed " + req.Milestone.ID, Agent: "mock"}
	case "verify":
		v = pipelinecontroller.Verdict{Passed: true}
	case "replan":
		v = []any{}
	case "respond":
		var req pipelinecontroller.RespondRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decode respond request: %w", err)
		}
		v = fmt.Sprintf("run %s finished: %s", req.RunID, req.Outcome)
	default:
		return nil, fmt.Errorf("no fixture for %s", op)
	}
	return json.Marshal(v)
}

// numberedFileRe matches files like "verify.1.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads every JSON file under fsys, at any depth, into an
// ordered reply sequence per operation: numbered files in numeric order,
// then the base file.
func loadFixtures(fsys fs.FS) (map[string][]json.RawMessage, error) {
	paths, err := doublestar.Glob(fsys, "**/*.json")
	if err != nil {
		return nil, err
	}

	type numbered struct {
		index int
		data  json.RawMessage
	}
	base := make(map[string]json.RawMessage)
	seqs := make(map[string][]numbered)

	for _, p := range paths {
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("invalid JSON in %s", p)
		}

		name := path.Base(p)
		if m := numberedFileRe.FindStringSubmatch(name); m != nil {
			index, _ := strconv.Atoi(m[2])
			seqs[m[1]] = append(seqs[m[1]], numbered{index: index, data: data})
			continue
		}
		base[strings.TrimSuffix(name, ".json")] = data
	}

	fixtures := make(map[string][]json.RawMessage)
	for op, seq := range seqs {
		sort.Slice(seq, func(i, j int) bool { return seq[i].index < seq[j].index })
		for _, n := range seq {
			fixtures[op] = append(fixtures[op], n.data)
		}
	}
	for op, data := range base {
		fixtures[op] = append(fixtures[op], data)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found")
	}
	return fixtures, nil
}
