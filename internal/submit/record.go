// Package submit 负责把已签名的用户操作送上链：
// 入库、排队、消费、通过 EntryPoint.handleOps 提交，并记录每一步的状态。
package submit

import (
	stdErrors "errors"

	xerrors "userop-generator/internal/errors"
	"userop-generator/internal/userop"
)

// Status 表示提交记录在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusSubmitting Status = "submitting"
	StatusSubmitted  Status = "submitted"
	StatusFailed     Status = "failed"
)

// Record 描述一次用户操作提交。
type Record struct {
	ID         string                `json:"id"`
	ChainID    uint64                `json:"chain_id"`
	Sender     string                `json:"sender"`
	OpHash     string                `json:"op_hash"`
	EntryPoint string                `json:"entry_point"`
	Operation  *userop.UserOperation `json:"operation"`
	Status     Status                `json:"status"`
	Attempts   int                   `json:"attempts"`
	MaxRetries int                   `json:"max_retries"`
	TxHash     string                `json:"tx_hash,omitempty"`
	LastError  string                `json:"last_error,omitempty"`
	ErrorCode  string                `json:"error_code,omitempty"`
	CreatedAt  int64                 `json:"created_at"`
	UpdatedAt  int64                 `json:"updated_at"`
}

var (
	// ErrNotFound 表示指定的提交记录不存在。
	ErrNotFound = xerrors.New(CodeOpNotFound, "operation not found")
	// ErrConflict 表示记录在当前状态下无法进行所请求的操作。
	ErrConflict = xerrors.New(CodeOpConflict, "operation conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrSubmitted 表示记录已经提交成功。
	ErrSubmitted = xerrors.New(CodeOpSubmitted, "operation already submitted", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrExhausted 表示记录的重试次数已经耗尽。
	ErrExhausted = xerrors.New(CodeOpExhausted, "operation retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeOpNotFound   xerrors.Code = "OP_NOT_FOUND"
	CodeOpConflict   xerrors.Code = "OP_CONFLICT"
	CodeOpSubmitted  xerrors.Code = "OP_SUBMITTED"
	CodeOpExhausted  xerrors.Code = "OP_RETRIES_EXHAUSTED"
	CodeOpPublish    xerrors.Code = "OP_PUBLISH_FAILED"
	CodeOpSubmission xerrors.Code = "OP_SUBMISSION_FAILED"
)

func init() {
	xerrors.Register(CodeOpNotFound, xerrors.Attributes{
		Message:   "operation not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOpConflict, xerrors.Attributes{
		Message:   "operation conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOpSubmitted, xerrors.Attributes{
		Message:   "operation already submitted",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOpExhausted, xerrors.Attributes{
		Message:   "operation retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeOpPublish, xerrors.Attributes{
		Message:   "failed to publish operation",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeOpSubmission, xerrors.Attributes{
		Message:   "operation submission failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsRecordError 判断错误是否为指定的提交记录错误。
func IsRecordError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeOpNotFound:
		return stdErrors.Is(err, ErrNotFound)
	case CodeOpConflict:
		return stdErrors.Is(err, ErrConflict)
	case CodeOpSubmitted:
		return stdErrors.Is(err, ErrSubmitted)
	case CodeOpExhausted:
		return stdErrors.Is(err, ErrExhausted)
	default:
		return false
	}
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusSubmitting, StatusSubmitted, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneRecord(record *Record) *Record {
	clone := *record
	if record.Operation != nil {
		opCopy := *record.Operation
		clone.Operation = &opCopy
	}
	return &clone
}
