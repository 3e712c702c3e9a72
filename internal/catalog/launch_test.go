package catalog

import (
	"reflect"
	"strings"
	"testing"

	"flexllama/internal/config"
)

func specFor(t *testing.T, cfg config.Config, alias string) ModelSpec {
	t.Helper()
	cat, err := New(cfg)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	spec, ok := cat.Lookup(alias)
	if !ok {
		t.Fatalf("alias %q not found", alias)
	}
	return spec
}

func TestBuildLaunchArgvOrder(t *testing.T) {
	boolFalse := false
	ngl := 35
	cfg := config.Config{
		Runners: map[string]config.RunnerConfig{
			"r1": {ID: "r1", Path: "/opt/llama/llama-server", Host: "127.0.0.1", Port: 9001, ExtraArgs: []string{"--no-webui"}},
		},
		Models: []config.ModelConfig{{
			Model:      "/models/chat.gguf",
			ModelAlias: "chat",
			Runner:     "r1",
			NCtx:       4096,
			NThreads:   8,
			NGPULayers: &ngl,
			OffloadKQV: &boolFalse,
			FlashAttn:  "on",
			Jinja:      true,
			Args:       `--temp 0.7 --chat-template-file "/tmp/my template.j2"`,
		}},
	}
	spec := specFor(t, cfg, "chat")

	l, err := BuildLaunch(cfg.Runners["r1"], spec, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []string{
		"/opt/llama/llama-server",
		"--host", "127.0.0.1",
		"--port", "9001",
		"--model", "/models/chat.gguf",
		"--alias", "chat",
		"--ctx-size", "4096",
		"--threads", "8",
		"--n-gpu-layers", "35",
		"--flash-attn", "on",
		"--no-kv-offload",
		"--jinja",
		"--temp", "0.7",
		"--chat-template-file", "/tmp/my template.j2",
		"--no-webui",
	}
	if !reflect.DeepEqual(l.Argv, want) {
		t.Fatalf("argv mismatch:\n got %q\nwant %q", l.Argv, want)
	}
}

func TestBuildLaunchTensorSplitAndCacheTypes(t *testing.T) {
	cfg := config.Config{
		Runners: map[string]config.RunnerConfig{
			"r1": {ID: "r1", Path: "/usr/bin/llama-server", Host: "127.0.0.1", Port: 9001},
		},
		Models: []config.ModelConfig{{
			Model:       "/models/big.gguf",
			ModelAlias:  "big",
			Runner:      "r1",
			TensorSplit: []float64{0.5, 0.5},
			CacheTypeK:  "q8_0",
			CacheTypeV:  "q8_0",
		}},
	}
	spec := specFor(t, cfg, "big")
	l, err := BuildLaunch(cfg.Runners["r1"], spec, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	argv := strings.Join(l.Argv, " ")
	for _, frag := range []string{"--tensor-split 0.5,0.5", "--cache-type-k q8_0", "--cache-type-v q8_0"} {
		if !strings.Contains(argv, frag) {
			t.Fatalf("argv %q missing %q", argv, frag)
		}
	}
}

func TestBuildLaunchEnvPrecedence(t *testing.T) {
	cfg := config.Config{
		Runners: map[string]config.RunnerConfig{
			"r1": {
				ID:   "r1",
				Path: "env CUDA_VISIBLE_DEVICES=0 /usr/bin/llama-server",
				Host: "127.0.0.1",
				Port: 9001,
				Env:  map[string]string{"A": "runner", "B": "runner"},
			},
		},
		Models: []config.ModelConfig{{
			Model:      "/models/m.gguf",
			ModelAlias: "m",
			Runner:     "r1",
			Env:        map[string]string{"B": "model"},
		}},
	}
	spec := specFor(t, cfg, "m")
	environ := []string{"A=parent", "HOME=/home/u"}

	l, err := BuildLaunch(cfg.Runners["r1"], spec, environ)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if l.Argv[0] != "/usr/bin/llama-server" {
		t.Fatalf("exe=%q", l.Argv[0])
	}
	got := map[string]string{}
	for _, kv := range l.Env {
		k, v, _ := strings.Cut(kv, "=")
		got[k] = v
	}
	if got["A"] != "runner" {
		t.Fatalf("runner env must override parent, A=%q", got["A"])
	}
	if got["B"] != "model" {
		t.Fatalf("model env must override runner, B=%q", got["B"])
	}
	if got["CUDA_VISIBLE_DEVICES"] != "0" {
		t.Fatalf("path env missing, got %v", got)
	}
	if got["HOME"] != "/home/u" {
		t.Fatalf("inherited env missing, got %v", got)
	}
}

func TestBuildLaunchNoInherit(t *testing.T) {
	inherit := false
	cfg := config.Config{
		Runners: map[string]config.RunnerConfig{
			"r1": {ID: "r1", Path: "/usr/bin/llama-server", Host: "127.0.0.1", Port: 9001, InheritEnv: &inherit},
		},
		Models: []config.ModelConfig{{Model: "/models/m.gguf", ModelAlias: "m", Runner: "r1"}},
	}
	spec := specFor(t, cfg, "m")
	l, err := BuildLaunch(cfg.Runners["r1"], spec, []string{"SECRET=1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, kv := range l.Env {
		if strings.HasPrefix(kv, "SECRET=") {
			t.Fatalf("parent env leaked: %v", l.Env)
		}
	}
}

func TestSplitArgs(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"  a  b ", []string{"a", "b"}},
		{`--flag "two words"`, []string{"--flag", "two words"}},
		{`'single quoted' x`, []string{"single quoted", "x"}},
		{`""`, []string{""}},
	}
	for _, c := range cases {
		got, err := SplitArgs(c.in)
		if err != nil {
			t.Fatalf("split %q: %v", c.in, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("split %q = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSplitArgsUnterminatedQuote(t *testing.T) {
	if _, err := SplitArgs(`--flag "oops`); err == nil {
		t.Fatalf("expected error for unterminated quote")
	}
}

func TestParseRunnerPathPlain(t *testing.T) {
	exe, args, env, err := parseRunnerPath("/usr/bin/llama-server --verbose")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if exe != "/usr/bin/llama-server" || len(args) != 1 || args[0] != "--verbose" || len(env) != 0 {
		t.Fatalf("exe=%q args=%v env=%v", exe, args, env)
	}
}

func TestParseRunnerPathNoExecutable(t *testing.T) {
	if _, _, _, err := parseRunnerPath("env A=1"); err == nil {
		t.Fatalf("expected error when path has no executable")
	}
}
