package krpano

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/yourusername/pano-forge/internal/logging"
)

// writeTool は makepano の代わりに動くシェルスクリプトを作成します。
func writeTool(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script tools are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "krpanotools")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write tool: %v", err)
	}
	return path
}

func TestMilestoneTable(t *testing.T) {
	cases := []struct {
		line    string
		percent int
		ok      bool
	}{
		{"loading image...", 50, true},
		{"making tiles", 60, true},
		{"level 3", 80, true},
		{"making level 2", 60, true},
		{"loading level 1", 50, true},
		{"Loading image", 0, false},
		{"done", 0, false},
	}
	for _, tc := range cases {
		percent, ok := Milestone(tc.line)
		if percent != tc.percent || ok != tc.ok {
			t.Fatalf("Milestone(%q) = %d,%v want %d,%v", tc.line, percent, ok, tc.percent, tc.ok)
		}
	}
}

func TestMakepanoArgs(t *testing.T) {
	got := makepanoArgs("/data/x/source.jpg", "/data/x", 4000, "")
	want := []string{"makepano", "-outputpath=/data/x", "-maxsize=4000", "-maxcubesize=4000", "/data/x/source.jpg"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("args = %v, want %v", got, want)
	}

	withConfig := makepanoArgs("in.jpg", "out", 10, "templates/vtour.config")
	if withConfig[1] != "-config=templates/vtour.config" {
		t.Fatalf("config flag should follow the action, got %v", withConfig)
	}
}

func TestConvertStreamsLinesAndSucceeds(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args.txt")
	tool := writeTool(t, `
for a in "$@"; do echo "$a" >> "`+argsFile+`"; done
echo "loading image"
echo ""
echo "making tiles" 1>&2
echo "level 1"
exit 0`)

	var lines []string
	conv := NewConverter(tool, "", logging.Discard())
	ok, err := conv.Convert(context.Background(), "job-1", "/in/source.jpg", "/out", 4000, func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected success")
	}

	if len(lines) != 3 {
		t.Fatalf("lines = %q, want 3 non-blank lines", lines)
	}
	joined := strings.Join(lines, "|")
	for _, want := range []string{"loading image", "making tiles", "level 1"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing line %q in %q", want, joined)
		}
	}

	f, err := os.Open(argsFile)
	if err != nil {
		t.Fatalf("open args: %v", err)
	}
	defer f.Close()
	var args []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		args = append(args, sc.Text())
	}
	want := []string{"makepano", "-outputpath=/out", "-maxsize=4000", "-maxcubesize=4000", "/in/source.jpg"}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("tool args = %v, want %v", args, want)
	}
}

func TestConvertNonZeroExit(t *testing.T) {
	tool := writeTool(t, `echo "error: bad input" 1>&2
exit 3`)
	ok, err := NewConverter(tool, "", logging.Discard()).Convert(context.Background(), "job-1", "in", "out", 10, nil)
	if err != nil {
		t.Fatalf("non-zero exit must not be an error, got %v", err)
	}
	if ok {
		t.Fatal("expected failure for exit code 3")
	}
}

func TestConvertCarriageReturnLines(t *testing.T) {
	tool := writeTool(t, `printf 'loading 10%%\rloading 20%%\rdone\n'`)
	var lines []string
	ok, err := NewConverter(tool, "", logging.Discard()).Convert(context.Background(), "job-1", "in", "out", 10, func(l string) {
		lines = append(lines, l)
	})
	if err != nil || !ok {
		t.Fatalf("Convert = %v, %v", ok, err)
	}
	if len(lines) != 3 {
		t.Fatalf("lines = %q, want 3", lines)
	}
}

func TestConvertToolNotConfigured(t *testing.T) {
	_, err := NewConverter("  ", "", logging.Discard()).Convert(context.Background(), "job-1", "in", "out", 10, nil)
	if !errors.Is(err, ErrToolNotConfigured) {
		t.Fatalf("error = %v, want ErrToolNotConfigured", err)
	}
}

func TestConvertToolNotFound(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "krpanotools")
	_, err := NewConverter(missing, "", logging.Discard()).Convert(context.Background(), "job-1", "in", "out", 10, nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("error = %v, want ErrToolNotFound", err)
	}
}

func TestConvertSpawnFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced")
	}
	// 実行権限の無いファイルは起動に失敗する
	path := filepath.Join(t.TempDir(), "krpanotools")
	if err := os.WriteFile(path, []byte("not executable"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ok, err := NewConverter(path, "", logging.Discard()).Convert(context.Background(), "job-1", "in", "out", 10, nil)
	if err == nil || ok {
		t.Fatalf("expected spawn error, got ok=%v err=%v", ok, err)
	}
}

func TestConvertCanceledByContext(t *testing.T) {
	tool := writeTool(t, `echo "loading"
exec sleep 30`)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	ok, err := NewConverter(tool, "", logging.Discard()).Convert(ctx, "job-1", "in", "out", 10, nil)
	if ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Convert = %v, %v; want deadline exceeded", ok, err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("cancellation did not stop the tool")
	}
}

func TestConvertCanceledWhileChildHoldsOutput(t *testing.T) {
	// sleep はシェルの子プロセスとして stdout を握ったまま残る
	tool := writeTool(t, `echo "loading"
sleep 10
echo done`)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	conv := NewConverter(tool, "", logging.Discard())
	conv.waitDelay = 200 * time.Millisecond

	start := time.Now()
	ok, err := conv.Convert(ctx, "job-1", "in", "out", 10, nil)
	elapsed := time.Since(start)
	if ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Convert = %v, %v; want deadline exceeded", ok, err)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("Convert blocked %v after the deadline", elapsed)
	}
}
