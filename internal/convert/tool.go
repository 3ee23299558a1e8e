package convert

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

const (
	// 検出結果のキャッシュ期間。リクエスト毎の --version 実行を避けるため。
	toolCacheDuration = 5 * time.Minute
	toolProbeTimeout  = 2 * time.Second
)

const installGuidance = "Calibre が見つかりません。先に Calibre をインストールしてください。\n" +
	"macOS: brew install calibre\n" +
	"または https://calibre-ebook.com/download からダウンロードしてください。\n" +
	"インストール後、ツール検出を再実行するかサーバーを再起動してください。"

// ToolLocator は ebook-convert コマンドの探索と検出結果のキャッシュを行います。
type ToolLocator struct {
	explicit string // 設定で指定されたパス（空なら候補から探索）

	mu        sync.Mutex
	path      string
	checked   bool
	checkedAt time.Time
	probe     func(ctx context.Context, path string) bool
}

// NewToolLocator は ToolLocator を作成します。
func NewToolLocator(explicitPath string) *ToolLocator {
	return &ToolLocator{
		explicit: explicitPath,
		probe:    probeTool,
	}
}

// Lookup は ebook-convert の実行パスを返します。見つからない場合は
// TOOL_NOT_FOUND エラー（インストール手順つき）を返します。
func (l *ToolLocator) Lookup(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.checked && time.Since(l.checkedAt) < toolCacheDuration {
		if l.path == "" {
			return "", newError(CodeToolNotFound, installGuidance, nil)
		}
		return l.path, nil
	}

	l.path = l.locate(ctx)
	l.checked = true
	l.checkedAt = time.Now()

	if l.path == "" {
		return "", newError(CodeToolNotFound, installGuidance, nil)
	}
	return l.path, nil
}

// Refresh はキャッシュを破棄して再探索し、検出可否と検出パスを返します。
func (l *ToolLocator) Refresh(ctx context.Context) (bool, string) {
	l.mu.Lock()
	l.checked = false
	l.mu.Unlock()

	path, err := l.Lookup(ctx)
	return err == nil, path
}

func (l *ToolLocator) locate(ctx context.Context) string {
	for _, candidate := range l.candidates() {
		if candidate == "" {
			continue
		}
		if l.probe(ctx, candidate) {
			return candidate
		}
	}
	return ""
}

func (l *ToolLocator) candidates() []string {
	if l.explicit != "" {
		return []string{l.explicit}
	}
	home, _ := os.UserHomeDir()
	return []string{
		"ebook-convert", // PATH 上
		"/Applications/calibre.app/Contents/MacOS/ebook-convert",
		"/Applications/Calibre.app/Contents/MacOS/ebook-convert",
		filepath.Join(home, "Applications/calibre.app/Contents/MacOS/ebook-convert"),
	}
}

// probeTool は候補パスで --version を実行して動作確認します。
// 呼び出し元のコンテキストには連動させません。リクエストの切断で
// 検出キャッシュに否定結果が残るのを防ぐためです。
func probeTool(_ context.Context, path string) bool {
	probeCtx, cancel := context.WithTimeout(context.Background(), toolProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, path, "--version")
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run() == nil
}
