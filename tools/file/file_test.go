package file

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/agentstart/agentstart"
	"github.com/agentstart/agentstart/sandbox/local"
)

func newRunContext(t *testing.T) *agentstart.RunContext {
	t.Helper()
	ctx := context.Background()
	p := local.NewProvisioner(t.TempDir())
	leases := agentstart.NewLeaseManager(agentstart.NewMemoryKV(), time.Minute)
	m := agentstart.NewSandboxManager(p, leases)
	if err := m.ConnectOrCreate(ctx, "", ""); err != nil {
		t.Fatalf("ConnectOrCreate: %v", err)
	}
	return &agentstart.RunContext{Sandbox: m, WorkDir: "."}
}

func exec(t *testing.T, rc *agentstart.RunContext, name, args string) agentstart.ToolResult {
	t.Helper()
	res, err := New().Execute(context.Background(), rc, name, json.RawMessage(args), nil)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return res
}

func TestRead_NumberedLines(t *testing.T) {
	rc := newRunContext(t)
	exec(t, rc, "write", `{"filePath":"a.txt","content":"one\ntwo\nthree"}`)

	res := exec(t, rc, "read", `{"filePath":"a.txt"}`)
	if res.Error != "" {
		t.Fatalf("read error: %s", res.Error)
	}
	want := "00001| one\n00002| two\n00003| three\n"
	if res.Content != want {
		t.Errorf("content = %q, want %q", res.Content, want)
	}
	if res.Metadata["totalLines"] != 3 {
		t.Errorf("metadata = %+v", res.Metadata)
	}
}

func TestRead_OffsetAndLimit(t *testing.T) {
	rc := newRunContext(t)
	exec(t, rc, "write", `{"filePath":"a.txt","content":"l1\nl2\nl3\nl4\nl5"}`)

	res := exec(t, rc, "read", `{"filePath":"a.txt","offset":2,"limit":2}`)
	if !strings.HasPrefix(res.Content, "00002| l2\n00003| l3\n") {
		t.Errorf("content = %q", res.Content)
	}
	if !strings.Contains(res.Content, "more lines not shown") {
		t.Errorf("content = %q, want continuation marker", res.Content)
	}

	// Paging past the last line yields an empty block, not an error.
	res = exec(t, rc, "read", `{"filePath":"a.txt","offset":99}`)
	if res.Error != "" {
		t.Fatalf("error = %q", res.Error)
	}
	if res.Content != "" || strings.Contains(res.Content, "more lines") {
		t.Errorf("content = %q, want empty", res.Content)
	}
	if res.Metadata["linesRead"] != 0 || res.Metadata["totalLines"] != 5 {
		t.Errorf("metadata = %+v", res.Metadata)
	}
}

func TestRead_RejectsImagesAndBinaries(t *testing.T) {
	rc := newRunContext(t)

	res := exec(t, rc, "read", `{"filePath":"logo.png"}`)
	if !strings.Contains(res.Error, "image") {
		t.Errorf("error = %q", res.Error)
	}

	// A null byte marks the file binary.
	rc.Sandbox.FS().WriteFile(context.Background(), "blob.bin", []byte("ab\x00cd"), agentstart.WriteFileOptions{})
	res = exec(t, rc, "read", `{"filePath":"blob.bin"}`)
	if !strings.Contains(res.Error, "binary") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRead_MissingFile(t *testing.T) {
	rc := newRunContext(t)
	res := exec(t, rc, "read", `{"filePath":"nope.txt"}`)
	if res.Error == "" {
		t.Error("reading a missing file must fail softly")
	}
}

func TestWrite_CreateAndOverwrite(t *testing.T) {
	rc := newRunContext(t)

	res := exec(t, rc, "write", `{"filePath":"dir/new.txt","content":"v1"}`)
	if res.Error != "" || !strings.Contains(res.Content, "created") {
		t.Fatalf("result = %+v", res)
	}

	res = exec(t, rc, "write", `{"filePath":"dir/new.txt","content":"v2"}`)
	if !strings.Contains(res.Content, "overwritten") {
		t.Fatalf("result = %+v", res)
	}

	data, _ := rc.Sandbox.FS().ReadFile(context.Background(), "dir/new.txt")
	if string(data) != "v2" {
		t.Errorf("file = %q", data)
	}
}

func TestUpdate(t *testing.T) {
	rc := newRunContext(t)
	exec(t, rc, "write", `{"filePath":"a.txt","content":"hello world"}`)

	res := exec(t, rc, "update", `{"filePath":"a.txt","oldString":"world","newString":"there"}`)
	if res.Error != "" {
		t.Fatalf("update: %s", res.Error)
	}
	data, _ := rc.Sandbox.FS().ReadFile(context.Background(), "a.txt")
	if string(data) != "hello there" {
		t.Errorf("file = %q", data)
	}
	if res.Metadata["replacements"] != 1 {
		t.Errorf("metadata = %+v", res.Metadata)
	}
	if diff, _ := res.Metadata["diff"].(string); diff == "" {
		t.Error("update must report a diff")
	}
}

func TestUpdate_AmbiguousWithoutReplaceAll(t *testing.T) {
	rc := newRunContext(t)
	exec(t, rc, "write", `{"filePath":"a.txt","content":"x x x"}`)

	res := exec(t, rc, "update", `{"filePath":"a.txt","oldString":"x","newString":"y"}`)
	if !strings.Contains(res.Error, "occurs 3 times") {
		t.Fatalf("error = %q", res.Error)
	}

	res = exec(t, rc, "update", `{"filePath":"a.txt","oldString":"x","newString":"y","replaceAll":true}`)
	if res.Error != "" || res.Metadata["replacements"] != 3 {
		t.Fatalf("result = %+v", res)
	}
}

func TestUpdate_CreateViaEmptyOldString(t *testing.T) {
	rc := newRunContext(t)

	res := exec(t, rc, "update", `{"filePath":"fresh.txt","oldString":"","newString":"content"}`)
	if res.Error != "" {
		t.Fatalf("update: %s", res.Error)
	}
	data, _ := rc.Sandbox.FS().ReadFile(context.Background(), "fresh.txt")
	if string(data) != "content" {
		t.Errorf("file = %q", data)
	}

	// Creating over an existing file is refused.
	res = exec(t, rc, "update", `{"filePath":"fresh.txt","oldString":"","newString":"other"}`)
	if !strings.Contains(res.Error, "already exists") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestUpdate_Errors(t *testing.T) {
	rc := newRunContext(t)
	exec(t, rc, "write", `{"filePath":"a.txt","content":"hello"}`)

	res := exec(t, rc, "update", `{"filePath":"a.txt","oldString":"absent","newString":"x"}`)
	if !strings.Contains(res.Error, "not found") {
		t.Errorf("error = %q", res.Error)
	}
	res = exec(t, rc, "update", `{"filePath":"a.txt","oldString":"same","newString":"same"}`)
	if !strings.Contains(res.Error, "identical") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestLs_DirectoriesFirst(t *testing.T) {
	rc := newRunContext(t)
	exec(t, rc, "write", `{"filePath":"z.txt","content":"x"}`)
	exec(t, rc, "write", `{"filePath":"sub/inner.txt","content":"x"}`)

	res := exec(t, rc, "ls", `{}`)
	if res.Error != "" {
		t.Fatalf("ls: %s", res.Error)
	}
	lines := strings.Split(strings.TrimSpace(res.Content), "\n")
	if lines[0] != "sub/" {
		t.Errorf("lines = %v, directories must come first", lines)
	}
}

func TestGlob(t *testing.T) {
	rc := newRunContext(t)
	exec(t, rc, "write", `{"filePath":"main.go","content":"x"}`)
	exec(t, rc, "write", `{"filePath":"pkg/a.go","content":"x"}`)
	exec(t, rc, "write", `{"filePath":"pkg/readme.md","content":"x"}`)

	res := exec(t, rc, "glob", `{"patterns":["**/*.go"]}`)
	if res.Error != "" {
		t.Fatalf("glob: %s", res.Error)
	}
	if res.Content != "main.go\npkg/a.go" {
		t.Errorf("content = %q", res.Content)
	}
	if res.Metadata["count"] != 2 {
		t.Errorf("metadata = %+v", res.Metadata)
	}

	res = exec(t, rc, "glob", `{}`)
	if !strings.Contains(res.Error, "patterns is required") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecute_NoSandbox(t *testing.T) {
	_, err := New().Execute(context.Background(), &agentstart.RunContext{}, "read", json.RawMessage(`{"filePath":"a"}`), nil)
	if err == nil {
		t.Fatal("missing sandbox must be reported as an error")
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		workDir string
		path    string
		want    string
	}{
		{".", "a.txt", "a.txt"},
		{".", "sub/a.txt", "sub/a.txt"},
		{"/workspace", "a.txt", "/workspace/a.txt"},
		{"/workspace", "/abs.txt", "/workspace/abs.txt"},
		// Traversal is neutralized, not rejected: ".." cannot climb
		// above the workdir.
		{".", "../escape", "escape"},
		{".", "sub/../../escape", "escape"},
		{".", "sub/../ok.txt", "ok.txt"},
	}
	for _, tt := range tests {
		got, err := resolve(tt.workDir, tt.path)
		if err != nil || got != tt.want {
			t.Errorf("resolve(%q, %q) = (%q, %v), want %q", tt.workDir, tt.path, got, err, tt.want)
		}
	}
}

func TestApplyEdit(t *testing.T) {
	tests := []struct {
		name       string
		before     string
		oldString  string
		newString  string
		replaceAll bool
		want       string
		wantCount  int
		wantErr    string
	}{
		{"single", "a b c", "b", "x", false, "a x c", 1, ""},
		{"create", "", "", "fresh", false, "fresh", 1, ""},
		{"missing", "a b c", "z", "x", false, "", 0, "oldString not found in file"},
		{"ambiguous", "a a", "a", "x", false, "", 0, "oldString occurs 2 times; pass replaceAll or disambiguate"},
		{"replace all", "a a", "a", "x", true, "x x", 2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, count, errStr := applyEdit(tt.before, tt.oldString, tt.newString, tt.replaceAll)
			if errStr != tt.wantErr {
				t.Fatalf("err = %q, want %q", errStr, tt.wantErr)
			}
			if got != tt.want || count != tt.wantCount {
				t.Errorf("got (%q, %d), want (%q, %d)", got, count, tt.want, tt.wantCount)
			}
		})
	}
}

func TestIsBinary(t *testing.T) {
	if isBinary([]byte("plain text\nwith lines")) {
		t.Error("text misclassified as binary")
	}
	if !isBinary([]byte("has\x00null")) {
		t.Error("null byte not detected")
	}
	if isBinary(nil) {
		t.Error("empty data is not binary")
	}
}
