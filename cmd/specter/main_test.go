package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/specter/manifest"
	"github.com/chazu/specter/speclog"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", t.TempDir()}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestEncodeDecode(t *testing.T) {
	out, err := execute(t, "encode", "--reason", "BoundsCheckException", "--action", "None", "--debug-id", "-1")
	if err != nil {
		t.Fatal(err)
	}
	code := strings.TrimSpace(out)
	if code != "0xffffffff0002" {
		t.Errorf("code = %q, want 0xffffffff0002", code)
	}

	out, err = execute(t, "decode", code)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "reason:      BoundsCheckException\n") {
		t.Errorf("output missing %q:\n%s", "reason:      BoundsCheckException\n", out)
	}
	if !strings.Contains(out, "action:      None\n") {
		t.Errorf("output missing %q:\n%s", "action:      None\n", out)
	}
	if !strings.Contains(out, "debugId:     -1\n") {
		t.Errorf("output missing %q:\n%s", "debugId:     -1\n", out)
	}
	if !strings.Contains(out, "invalidates: false\n") {
		t.Errorf("output missing %q:\n%s", "invalidates: false\n", out)
	}

	_, err = execute(t, "decode", "0x1000000000000")
	if err == nil {
		t.Error("expected an error")
	}
	_, err = execute(t, "encode", "--reason", "Nope")
	if err == nil {
		t.Error("expected an error")
	}
}

func TestDemo(t *testing.T) {
	c := manifest.Default()
	c.Deoptimization.Trace = true
	c.Dir = t.TempDir()
	c.SpeculationLog.Path = "speclog.db"

	var out bytes.Buffer
	if err := runDemo(&out, c); err != nil {
		t.Fatal(err)
	}
	text := out.String()

	for _, want := range []string{
		"== dispatch (limit 3)",
		"name:alpha",
		"<s4>         -> s4_uncached",
		"other:3.5",
		"left generic=true right generic=false right cached=2",
		"[Deoptimization initiated",
		"        at Point.x(Point.mag:12)",
		"        at Point.distanceTo:(Point) bci 17",
		`invalidated=true resumed with "generic distance from p"`,
		"other thread deoptimized at safepoint",
		"reclaimed=1 installed=0",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("demo output missing %q:\n%s", want, text)
		}
	}

	if _, err := os.Stat(filepath.Join(c.Dir, "speclog.db")); err != nil {
		t.Errorf("speculation log not persisted: %v", err)
	}
}

func TestSpeclogList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failures.db")
	store, err := speclog.OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	l := speclog.New(0)
	if err := l.Attach(store); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordFailure(l.Speculate(speclog.Reason{Group: "NullCheck", Context: "Point>>x"})); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "speclog", "list", "--db", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "GROUP") {
		t.Errorf("output missing %q:\n%s", "GROUP", out)
	}
	if !strings.Contains(out, "NullCheck") {
		t.Errorf("output missing %q:\n%s", "NullCheck", out)
	}
	if !strings.Contains(out, "Point>>x") {
		t.Errorf("output missing %q:\n%s", "Point>>x", out)
	}

	empty := filepath.Join(t.TempDir(), "empty.db")
	out, err = execute(t, "speclog", "list", "--db", empty)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "no failed speculations") {
		t.Errorf("output missing %q:\n%s", "no failed speculations", out)
	}
}
