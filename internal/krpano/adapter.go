// Package krpano は krpanotools の makepano を呼び出してツアーを生成します。
package krpano

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrToolNotConfigured は KRPANO_EXE が設定されていない場合に返されます。
	ErrToolNotConfigured = errors.New("krpano tool path is not configured (set KRPANO_EXE)")
	// ErrToolNotFound は設定されたパスに実行ファイルが無い場合に返されます。
	ErrToolNotFound = errors.New("krpano tool not found")
)

const maxLineBytes = 1024 * 1024

// defaultWaitDelay はキャンセル後に出力パイプを強制的に閉じるまでの猶予です。
const defaultWaitDelay = 5 * time.Second

// LineHandler は空行を除くツール出力1行ごとに呼ばれます。呼び出しは直列化されます。
type LineHandler func(line string)

// Converter は makepano プロセスを起動・監視します。
// タイムアウトやキャンセルは ctx 経由でのみ行われ、Converter 自身は期限を持ちません。
type Converter struct {
	toolPath   string
	configPath string
	logger     *slog.Logger
	stat       func(name string) (os.FileInfo, error)
	waitDelay  time.Duration
}

// NewConverter は Converter を作成します。パスの検証は最初の Convert 呼び出し時に行います。
func NewConverter(toolPath, configPath string, logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{
		toolPath:   strings.TrimSpace(toolPath),
		configPath: strings.TrimSpace(configPath),
		logger:     logger,
		stat:       os.Stat,
		waitDelay:  defaultWaitDelay,
	}
}

// Convert は inputPath を outputDir にツアーとして変換します。
// 終了コード 0 なら true、それ以外の終了コードなら false, nil を返します。
// 起動や待機そのものに失敗した場合はエラーを返します。
func (c *Converter) Convert(ctx context.Context, jobID, inputPath, outputDir string, maxDimension int, onLine LineHandler) (bool, error) {
	if c.toolPath == "" {
		return false, ErrToolNotConfigured
	}
	if _, err := c.stat(c.toolPath); err != nil {
		return false, fmt.Errorf("%w: %s", ErrToolNotFound, c.toolPath)
	}

	args := makepanoArgs(inputPath, outputDir, maxDimension, c.configPath)
	cmd := exec.CommandContext(ctx, c.toolPath, args...)
	cmd.WaitDelay = c.waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, fmt.Errorf("failed to attach stderr: %w", err)
	}

	logger := c.logger.With(slog.String("job_id", jobID))
	logger.Info("starting krpano", slog.String("tool", c.toolPath), slog.Any("args", args))

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("failed to start krpano: %w", err)
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	emit := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		logger.Info("krpano output", slog.String("line", line))
		if onLine != nil {
			onLine(line)
		}
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, emit, logger)
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, emit, logger)
	}()
	// 孫プロセスが出力を握ったまま残っても、キャンセル後は読み取りを打ち切る
	readDone := make(chan struct{})
	go func() {
		select {
		case <-readDone:
		case <-ctx.Done():
			timer := time.NewTimer(c.waitDelay)
			defer timer.Stop()
			select {
			case <-readDone:
			case <-timer.C:
				logger.Warn("krpano output still open after cancel; closing pipes")
				_ = stdout.Close()
				_ = stderr.Close()
			}
		}
	}()

	// Wait はパイプを閉じるため、読み取りが終わってから呼ぶ
	wg.Wait()
	close(readDone)

	waitErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, fmt.Errorf("krpano interrupted: %w", ctxErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			logger.Warn("krpano exited with non-zero status", slog.Int("exit_code", exitErr.ExitCode()))
			return false, nil
		}
		return false, fmt.Errorf("failed to wait for krpano: %w", waitErr)
	}

	logger.Info("krpano finished")
	return true, nil
}

// makepanoArgs は makepano のコマンドライン引数を組み立てます。
func makepanoArgs(inputPath, outputDir string, maxDimension int, configPath string) []string {
	size := strconv.Itoa(maxDimension)
	args := []string{"makepano"}
	if configPath != "" {
		args = append(args, "-config="+configPath)
	}
	return append(args,
		"-outputpath="+outputDir,
		"-maxsize="+size,
		"-maxcubesize="+size,
		inputPath,
	)
}

func streamLines(r io.Reader, emit func(string), logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	scanner.Split(scanLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		emit(line)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("failed to read krpano output", slog.String("error", err.Error()))
		// 残りを読み捨ててプロセスがパイプで詰まらないようにする
		_, _ = io.Copy(io.Discard, r)
	}
}

// scanLines は \n と \r のどちらでも行を区切ります（進捗表示の \r 上書きに対応）。
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
