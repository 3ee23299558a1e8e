package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"unicode/utf8"
)

const (
	// 診断メッセージに含める出力の上限。内部パスやログ全文を返さないため。
	diagnosticMaxLines = 10
	diagnosticMaxBytes = 500
)

// runEbookConvert は ebook-convert を実行します。ctx には変換タイムアウトを
// 設定したコンテキストを渡します（リクエストのコンテキストではない点に注意。
// クライアント切断で変換を中断しない設計です）。
func (s *Service) runEbookConvert(ctx context.Context, toolPath, inputPath, outputPath string) error {
	args := ebookConvertArgs(inputPath, outputPath)

	cmd := exec.CommandContext(ctx, toolPath, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if err == nil {
		return nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return newError(CodeTimeout,
			fmt.Sprintf("変換がタイムアウトしました（上限 %s）。ファイルが大きすぎるか複雑すぎる可能性があります。", s.cfg.ConvertTimeout),
			ctx.Err())
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return newError(CodeToolNotFound, installGuidance, err)
	}

	return newError(CodeConversionFailed,
		fmt.Sprintf("変換に失敗しました: %s", diagnosticTail(output.String())),
		err)
}

// ebookConvertArgs は入力・出力パスと描画オプションを組み立てます。
// Calibre のバージョンによって使えないオプションがあるため、互換性のある指定に留めています。
func ebookConvertArgs(inputPath, outputPath string) []string {
	return []string{
		inputPath,
		outputPath,
		"--base-font-size", "12",
		"--pdf-page-numbers",
		"--pdf-mark-links",
		"--embed-font-family", "Times New Roman",
		"--pdf-default-font-size", "12",
		"--pdf-mono-font-size", "12",
		"--pdf-standard-font", "serif",
		"--preserve-cover-aspect-ratio",
		"--keep-ligatures",
		"--pdf-page-margin-left", "72",
		"--pdf-page-margin-right", "72",
		"--pdf-page-margin-top", "72",
		"--pdf-page-margin-bottom", "72",
	}
}

// diagnosticTail はツール出力の末尾だけを取り出して診断メッセージにします。
func diagnosticTail(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return "原因不明のエラーです"
	}

	lines := strings.Split(output, "\n")
	if len(lines) > diagnosticMaxLines {
		lines = lines[len(lines)-diagnosticMaxLines:]
	}
	tail := strings.TrimSpace(strings.Join(lines, "\n"))
	if len(tail) > diagnosticMaxBytes {
		tail = tail[len(tail)-diagnosticMaxBytes:]
		// マルチバイト文字の途中で切らない
		for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
			tail = tail[1:]
		}
	}
	return tail
}
