package convert

import (
	"sync"
)

// OperationType は処理の種別を表します。
type OperationType string

const (
	OperationConvert OperationType = "convert"
)

// ResultKind は生成される成果物の種別を表します。
type ResultKind string

const (
	ResultKindPDF ResultKind = "pdf"
)

// SourceFileMeta は入力ファイルのメタデータです。
type SourceFileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Result は変換処理の成果を表します。
type Result struct {
	JobID          string        `json:"jobId"`
	Operation      OperationType `json:"operation"`
	OutputPath     string        `json:"outputPath"`
	OutputFilename string        `json:"outputFilename"`
	OutputSize     int64         `json:"outputSize"`
	ResultKind     ResultKind    `json:"resultKind"`
	Meta           any           `json:"meta,omitempty"`

	jobDir      string
	cleanupOnce sync.Once
	cleanupErr  error
}

// Cleanup は作業ディレクトリを削除します。
func (r *Result) Cleanup() error {
	if r == nil {
		return nil
	}
	r.cleanupOnce.Do(func() {
		r.cleanupErr = removeDir(r.jobDir)
	})
	return r.cleanupErr
}

// ConvertMeta は変換処理のメタデータです。
type ConvertMeta struct {
	Source     SourceFileMeta `json:"source"`
	OutputSize int64          `json:"outputSize"`
	Pages      int            `json:"pages"`
}
