package convert

import (
	"context"
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"
	"time"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

const outputFilename = "converted.pdf"

// ConvertMultipart はアップロードされたEPUBを同期的にPDFへ変換します。
func (s *Service) ConvertMultipart(ctx context.Context, file *multipart.FileHeader) (_ *Result, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if file == nil {
		return nil, newError(CodeInvalidInput, "EPUBファイルを選択してください。", nil)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	state, _, err := s.prepareConvert(ctx, file)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = removeDir(state.ws.dir)
		}
	}()

	result, execErr := s.executeConvert(ctx, state, nil)
	if execErr != nil {
		return nil, execErr
	}
	return result, nil
}

type convertState struct {
	ws         workspace
	file       storedFile
	outputName string
}

func (s *Service) prepareConvert(ctx context.Context, file *multipart.FileHeader) (*convertState, *JobManifest, error) {
	ws, err := s.createWorkspace()
	if err != nil {
		return nil, nil, err
	}

	stored, err := s.storeMultipartFile(ctx, file, ws.inDir)
	if err != nil {
		_ = removeDir(ws.dir)
		return nil, nil, err
	}

	outputName := derivePDFName(stored.originalName)
	manifest := &JobManifest{
		JobID:      ws.jobID,
		Operation:  OperationConvert,
		Files:      toJobFiles([]storedFile{stored}),
		OutputName: outputName,
		CreatedAt:  s.now().UTC(),
	}
	if err := writeManifest(ws.dir, manifest); err != nil {
		_ = removeDir(ws.dir)
		return nil, nil, fmt.Errorf("ジョブマニフェストの保存に失敗しました: %w", err)
	}

	return &convertState{ws: ws, file: stored, outputName: outputName}, manifest, nil
}

func (s *Service) executeConvert(ctx context.Context, state *convertState, progress ProgressReporter) (*Result, error) {
	ws := state.ws
	stored := state.file

	reportProgress(progress, "staged", 10)

	toolPath, err := s.tools.Lookup(ctx)
	if err != nil {
		return nil, err
	}

	reportProgress(progress, "converting", 40)

	outputPath := filepath.Join(ws.outDir, outputFilename)

	// リクエストのコンテキストではなく変換タイムアウトで上限を設ける。
	// クライアントが切断しても変換は完走させ、後始末だけ行う。
	runCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ConvertTimeout)
	defer cancel()

	if err := s.runEbookConvert(runCtx, toolPath, stored.path, outputPath); err != nil {
		return nil, err
	}

	reportProgress(progress, "validating", 80)

	outInfo, err := os.Stat(outputPath)
	if err != nil || outInfo.Size() == 0 {
		return nil, newError(CodeConversionFailed, "変換ツールは終了しましたが、PDFが生成されませんでした。", err)
	}

	pages, err := pdfapi.PageCountFile(outputPath)
	if err != nil {
		return nil, newError(CodeConversionFailed, "生成されたPDFの検証に失敗しました。", err)
	}

	// 変換済みの入力EPUBはこの時点で不要になる
	_ = os.Remove(stored.path)

	meta := &ConvertMeta{
		Source: SourceFileMeta{
			Name: stored.originalName,
			Size: stored.size,
		},
		OutputSize: outInfo.Size(),
		Pages:      pages,
	}

	metaPayload := struct {
		Type       OperationType  `json:"type"`
		CreatedAt  string         `json:"createdAt"`
		Source     SourceFileMeta `json:"source"`
		Output     string         `json:"output"`
		OutputSize int64          `json:"outputSize"`
		Pages      int            `json:"pages"`
	}{
		Type:       OperationConvert,
		CreatedAt:  s.now().UTC().Format(time.RFC3339),
		Source:     meta.Source,
		Output:     state.outputName,
		OutputSize: meta.OutputSize,
		Pages:      pages,
	}

	metaPath := filepath.Join(ws.dir, "meta.json")
	if err := writeJSON(metaPath, metaPayload); err != nil {
		return nil, fmt.Errorf("メタデータの保存に失敗しました: %w", err)
	}

	expireMinutes := s.cfg.JobExpireMinutes
	if expireMinutes <= 0 {
		expireMinutes = defaultCleanupMin
	}
	time.AfterFunc(time.Duration(expireMinutes)*time.Minute, func() {
		_ = removeDir(ws.dir)
	})

	reportProgress(progress, "completed", 100)

	return &Result{
		JobID:          ws.jobID,
		Operation:      OperationConvert,
		OutputPath:     outputPath,
		OutputFilename: state.outputName,
		OutputSize:     outInfo.Size(),
		ResultKind:     ResultKindPDF,
		Meta:           meta,
		jobDir:         ws.dir,
	}, nil
}

// PrepareConvertJob は非同期ジョブ用に入力を保存します。
func (s *Service) PrepareConvertJob(ctx context.Context, file *multipart.FileHeader) (*JobManifest, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	_, manifest, err := s.prepareConvert(ctx, file)
	if err != nil {
		return nil, err
	}
	return manifest, nil
}
