package jobs

import (
	"encoding/json"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal は終了状態（以後変更されない）かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// PipelineKind はジョブを処理するパイプラインの種類です。
type PipelineKind string

const (
	KindAuditPackage PipelineKind = "audit-package"
	KindConversion   PipelineKind = "conversion"
	KindFinalize     PipelineKind = "finalize"
)

// PipelineKinds は既知のパイプラインの一覧です。
var PipelineKinds = []PipelineKind{KindAuditPackage, KindConversion, KindFinalize}

// Valid は既知のパイプラインかどうかを返します。
func (k PipelineKind) Valid() bool {
	for _, known := range PipelineKinds {
		if k == known {
			return true
		}
	}
	return false
}

const (
	// DefaultMaxAttempts は maxAttempts 未指定時の試行回数です。
	DefaultMaxAttempts = 3
	// DefaultClaimBatch は claimNext が一度に走査する候補数です。
	DefaultClaimBatch = 10
)

// Job はジョブの現在状態を表します。変更は Store の操作を通してのみ行います。
type Job struct {
	ID           string          `json:"id"`
	Kind         PipelineKind    `json:"pipelineKind"`
	Status       Status          `json:"status"`
	Spec         json.RawMessage `json:"spec"`
	DocumentIDs  []string        `json:"documentIds,omitempty"`
	CreatedBy    string          `json:"createdBy,omitempty"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"maxAttempts"`
	CreatedAt    time.Time       `json:"createdAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	OutputRef    string          `json:"outputRef,omitempty"`
	Meta         json.RawMessage `json:"meta,omitempty"`
}

// NewJob はジョブ作成時の入力です。
type NewJob struct {
	Kind        PipelineKind
	Spec        json.RawMessage
	DocumentIDs []string
	CreatedBy   string
	MaxAttempts int
}

// Outcome は処理成功時に記録する内容です。DocumentIDs は出力文書などの追加索引です。
type Outcome struct {
	OutputRef   string
	Meta        json.RawMessage
	DocumentIDs []string
}
