package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoGraph = `
id: echo
nodes:
  - {id: in, type: Input}
  - id: llm
    type: Model
    inputs: [in]
    config:
      model: {provider: echo, model: echo-1}
  - id: shout
    type: StringFormatter
    inputs: [llm]
    config:
      template: "${{ input }}!"
  - {id: out, type: Output, inputs: [shout]}
`

type harness struct {
	t   *testing.T
	dir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clearEnv(t)
	return &harness{t: t, dir: t.TempDir()}
}

// write stores a file in the harness directory and returns its path.
func (h *harness) write(name, content string) string {
	h.t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// exec runs the CLI against an isolated settings file and store.
func (h *harness) exec(args ...string) (string, error) {
	h.t.Helper()
	var out bytes.Buffer
	root := buildRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append(args,
		"--config", filepath.Join(h.dir, "settings.yaml"),
		"--db", filepath.Join(h.dir, "agentgraph.db"),
		"--log-level", "error",
		"--no-color",
	))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func decodeLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var items []map[string]any
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		items = append(items, m)
	}
	require.NoError(t, sc.Err())
	return items
}

func TestRunCmd_StreamsItems(t *testing.T) {
	h := newHarness(t)
	graph := h.write("echo.yaml", echoGraph)

	out, err := h.exec("run", graph, "--input", "hello world")
	require.NoError(t, err)

	items := decodeLines(t, out)
	require.NotEmpty(t, items)
	assert.Equal(t, "RequestStart", items[0]["MessageType"])
	last := items[len(items)-1]
	assert.Equal(t, "RequestEnd", last["MessageType"])
	assert.Equal(t, "Completed", last["Status"])

	id := items[0]["ExecutionId"]
	for _, it := range items {
		assert.Equal(t, id, it["ExecutionId"])
	}
}

func TestRunCmd_Outputs(t *testing.T) {
	h := newHarness(t)
	graph := h.write("echo.yaml", echoGraph)

	out, err := h.exec("run", graph, "--input", "hello world", "--outputs")
	require.NoError(t, err)
	assert.Equal(t, "hello world!\n", out)
}

func TestRunCmd_InputFile(t *testing.T) {
	h := newHarness(t)
	graph := h.write("echo.yaml", echoGraph)
	input := h.write("input.txt", "from a file")

	out, err := h.exec("run", graph, "--input-file", input, "--outputs")
	require.NoError(t, err)
	assert.Equal(t, "from a file!\n", out)

	prev := stdin
	stdin = strings.NewReader("from stdin")
	t.Cleanup(func() { stdin = prev })
	out, err = h.exec("run", graph, "--input-file", "-", "--outputs")
	require.NoError(t, err)
	assert.Equal(t, "from stdin!\n", out)

	_, err = h.exec("run", graph, "--input", "x", "--input-file", input)
	assert.ErrorContains(t, err, "mutually exclusive")
}

func TestRunCmd_DryRunExample(t *testing.T) {
	h := newHarness(t)

	out, err := h.exec("run", "../../examples/graphs/number-words.yaml", "--input", "7", "--dry-run", "--outputs")
	require.NoError(t, err)
	assert.Equal(t, "7\n", out)
}

func TestRunCmd_Rejections(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec("run", filepath.Join(h.dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read graph")

	bad := h.write("bad.yaml", "nodes:\n  - {id: out, type: Output, inputs: [ghost]}\n")
	_, err = h.exec("run", bad)
	assert.Error(t, err)

	// openai has no API key configured.
	_, err = h.exec("run", "../../examples/graphs/number-words.yaml", "--input", "7")
	assert.ErrorContains(t, err, "openai")
}

func TestRunCmd_FailedExecution(t *testing.T) {
	h := newHarness(t)
	graph := h.write("cycle.yaml", `
nodes:
  - {id: in, type: Input}
  - {id: a, type: StringFormatter, inputs: [in, b], config: {template: "a"}}
  - {id: b, type: StringFormatter, inputs: [a], config: {template: "b"}}
  - {id: out, type: Output, inputs: [b]}
`)

	out, err := h.exec("run", graph, "--input", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")

	items := decodeLines(t, out)
	require.NotEmpty(t, items)
	assert.Equal(t, "Failed", items[len(items)-1]["Status"])
}

func TestValidateCmd(t *testing.T) {
	h := newHarness(t)

	out, err := h.exec("validate", h.write("echo.yaml", echoGraph))
	require.NoError(t, err)
	var ok struct {
		Valid bool `json:"valid"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &ok))
	assert.True(t, ok.Valid)

	out, err = h.exec("validate", h.write("bad.yaml", `
nodes:
  - {id: in, type: Input}
  - {id: llm, type: Model, inputs: [in], config: {model: {provider: echo, model: m}, tools: [no_such_tool]}}
  - {id: out, type: Output, inputs: [llm]}
`))
	require.Error(t, err)
	var bad struct {
		Valid  bool `json:"valid"`
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &bad))
	assert.False(t, bad.Valid)
	var codes []string
	for _, e := range bad.Errors {
		codes = append(codes, e.Code)
	}
	assert.Contains(t, codes, "TOOL_NOT_FOUND")
}

func TestChatCmd(t *testing.T) {
	h := newHarness(t)

	out, err := h.exec("chat", "--system", "be brief", "hi there")
	require.NoError(t, err)

	items := decodeLines(t, out)
	require.NotEmpty(t, items)
	assert.Equal(t, "RequestStart", items[0]["MessageType"])
	assert.Equal(t, "hi there", items[0]["Input"])

	var text strings.Builder
	for _, it := range items {
		if it["MessageType"] == "ChatFragment" {
			text.WriteString(it["Text"].(string))
		}
	}
	assert.Equal(t, "hi there", text.String())
	assert.Equal(t, "Completed", items[len(items)-1]["Status"])

	_, err = h.exec("chat", "--provider", "nope", "hi")
	assert.Error(t, err)
	_, err = h.exec("chat", "--tool", "nope", "hi")
	assert.Error(t, err)
}

func TestToolsCmd(t *testing.T) {
	h := newHarness(t)

	out, err := h.exec("tools")
	require.NoError(t, err)
	var res struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
		Unavailable []struct {
			Name string `json:"name"`
		} `json:"unavailable"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))

	var names []string
	for _, tl := range res.Tools {
		names = append(names, tl.Name)
	}
	assert.Contains(t, names, "current_time")
	assert.Contains(t, names, "cron_next")
	assert.NotEmpty(t, res.Unavailable, "Microsoft Graph tools need a token")
}

func TestPersistedExecution(t *testing.T) {
	h := newHarness(t)
	graph := h.write("echo.yaml", echoGraph)

	out, err := h.exec("run", graph, "--input", "keep me", "--persist")
	require.NoError(t, err)
	id, _ := decodeLines(t, out)[0]["ExecutionId"].(string)
	require.NotEmpty(t, id)

	out, err = h.exec("list", "--graph", "echo")
	require.NoError(t, err)
	listed := decodeLines(t, out)
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0]["id"])
	assert.Equal(t, "Completed", listed[0]["status"])

	out, err = h.exec("list", "--status", "Failed")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = h.exec("show", id)
	require.NoError(t, err)
	var rec struct {
		Input string `json:"input"`
		Nodes []struct {
			NodeID string `json:"node_id"`
		} `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "keep me", rec.Input)
	assert.Len(t, rec.Nodes, 4)

	out, err = h.exec("show", id, "--items")
	require.NoError(t, err)
	items := decodeLines(t, out)
	assert.Equal(t, "RequestEnd", items[len(items)-1]["MessageType"])

	_, err = h.exec("show", "missing")
	assert.Error(t, err)
}

func TestInitCmd(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.dir, "settings.yaml")

	out, err := h.exec("init")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(h.dir, "agentgraph.db"), cfg.DBPath)
	assert.Equal(t, "error", cfg.LogLevel)

	_, err = h.exec("init")
	assert.ErrorContains(t, err, "already exists")
	_, err = h.exec("init", "--force")
	assert.NoError(t, err)
}

func TestVersionCmd(t *testing.T) {
	h := newHarness(t)
	out, err := h.exec("version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestWriteOutputs(t *testing.T) {
	var buf bytes.Buffer
	writeOutputs(&buf, map[string]string{"b": "two", "a": "one"})
	assert.Equal(t, "a: one\nb: two\n", buf.String())
}
