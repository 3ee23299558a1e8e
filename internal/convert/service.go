// Package convert はEPUBからPDFへの変換機能を提供します。
// 変換そのものは Calibre の ebook-convert コマンドに委譲し、
// 本パッケージはアップロードの検証・一時ファイル管理・サブプロセス起動を担います。
package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/yourusername/epub-forge/internal/config"
)

const (
	sourceFilename    = "source.epub"
	epubMIME          = "application/epub+zip"
	defaultCleanupMin = 10
)

// Service は変換処理と一時ファイル管理をまとめたサービスです。
type Service struct {
	cfg   *config.Config
	tools *ToolLocator
	now   func() time.Time
}

// NewService は Service を作成し、スクラッチディレクトリを用意します。
func NewService(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o750); err != nil {
		return nil, fmt.Errorf("スクラッチディレクトリの作成に失敗しました: %w", err)
	}
	return &Service{
		cfg:   cfg,
		tools: NewToolLocator(cfg.EbookConvertPath),
		now:   time.Now,
	}, nil
}

// ToolInstalled は ebook-convert が利用可能かどうかを返します（キャッシュ利用）。
func (s *Service) ToolInstalled(ctx context.Context) bool {
	_, err := s.tools.Lookup(ctx)
	return err == nil
}

// RefreshTool は検出キャッシュを破棄して再探索します。
func (s *Service) RefreshTool(ctx context.Context) (bool, string) {
	return s.tools.Refresh(ctx)
}

func (s *Service) createWorkspace() (workspace, error) {
	jobID := uuid.NewString()
	dir := filepath.Join(s.cfg.ScratchDir, jobID)
	inDir := filepath.Join(dir, "in")
	outDir := filepath.Join(dir, "out")
	for _, d := range []string{dir, inDir, outDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			_ = removeDir(dir)
			return workspace{}, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
		}
	}
	return workspace{jobID: jobID, dir: dir, inDir: inDir, outDir: outDir}, nil
}

func (s *Service) workspaceFor(jobID string) workspace {
	dir := filepath.Join(s.cfg.ScratchDir, jobID)
	return workspace{
		jobID:  jobID,
		dir:    dir,
		inDir:  filepath.Join(dir, "in"),
		outDir: filepath.Join(dir, "out"),
	}
}

type storedFile struct {
	path         string
	originalName string
	size         int64
}

// storeMultipartFile はアップロードされたEPUBを検証しつつ作業ディレクトリに保存します。
// 保存名は固定で、元のファイル名はメタデータとしてのみ保持します（パス衝突・トラバーサル対策）。
func (s *Service) storeMultipartFile(ctx context.Context, file *multipart.FileHeader, destDir string) (storedFile, error) {
	if file == nil {
		return storedFile{}, newError(CodeInvalidInput, "EPUBファイルを選択してください。", nil)
	}
	if err := ctx.Err(); err != nil {
		return storedFile{}, err
	}

	originalName := filepath.Base(strings.TrimSpace(file.Filename))
	if originalName == "" || originalName == "." {
		return storedFile{}, newError(CodeInvalidInput, "ファイル名が空です。", nil)
	}
	if !strings.EqualFold(filepath.Ext(originalName), ".epub") {
		return storedFile{}, newError(CodeInvalidInput, "対応していないファイル形式です。EPUBファイルをアップロードしてください。", nil)
	}

	limit := s.cfg.MaxFileSize
	if limit > 0 && file.Size > limit {
		return storedFile{}, newError(CodeLimitExceeded,
			fmt.Sprintf("ファイルサイズが上限（%dMB）を超えています。", limit/(1024*1024)), nil)
	}

	src, err := file.Open()
	if err != nil {
		return storedFile{}, fmt.Errorf("アップロードファイルのオープンに失敗しました: %w", err)
	}
	defer src.Close()

	destPath := filepath.Join(destDir, sourceFilename)
	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return storedFile{}, fmt.Errorf("アップロードファイルの保存に失敗しました: %w", err)
	}

	reader := io.Reader(src)
	if limit > 0 {
		reader = io.LimitReader(src, limit+1)
	}
	written, err := io.Copy(dest, reader)
	if closeErr := dest.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(destPath)
		return storedFile{}, fmt.Errorf("アップロードファイルの書き込みに失敗しました: %w", err)
	}
	if limit > 0 && written > limit {
		_ = os.Remove(destPath)
		return storedFile{}, newError(CodeLimitExceeded,
			fmt.Sprintf("ファイルサイズが上限（%dMB）を超えています。", limit/(1024*1024)), nil)
	}
	if written == 0 {
		_ = os.Remove(destPath)
		return storedFile{}, newError(CodeInvalidInput, "空のファイルはアップロードできません。", nil)
	}

	// 拡張子だけでなく中身も確認する（EPUBはZIPコンテナ）
	mime, err := mimetype.DetectFile(destPath)
	if err != nil {
		_ = os.Remove(destPath)
		return storedFile{}, fmt.Errorf("ファイル形式の判定に失敗しました: %w", err)
	}
	if !mime.Is(epubMIME) && !mime.Is("application/zip") {
		_ = os.Remove(destPath)
		return storedFile{}, newError(CodeInvalidInput, "EPUB形式として認識できないファイルです。", nil)
	}

	return storedFile{
		path:         destPath,
		originalName: originalName,
		size:         written,
	}, nil
}

// derivePDFName は元のファイル名の拡張子を .pdf に置き換えた名前を返します。
func derivePDFName(originalName string) string {
	base := filepath.Base(originalName)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		return "converted.pdf"
	}
	return stem + ".pdf"
}

// removeDir はディレクトリを削除します。既に存在しない場合は何もしません。
func removeDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

func writeJSON(path string, payload any) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
