package inventory

import (
	"errors"
	"fmt"
	"strings"
)

// Common ledger errors
// 共通の台帳エラー定義

var (
	// ErrBatchNotFound is returned when a batch doesn't exist
	// バッチが存在しない場合のエラー
	ErrBatchNotFound = errors.New("バッチが見つかりません")

	// ErrInsufficientStock is returned when there's not enough stock
	// 在庫不足の場合のエラー
	ErrInsufficientStock = errors.New("在庫が不足しています")

	// ErrVersionMismatch is returned when a conditional update matched no row
	// 条件付き更新が0件だった場合のエラー（楽観的ロック失敗）
	ErrVersionMismatch = errors.New("バッチが他のユーザーによって更新されています")

	// ErrConcurrentModification is returned when optimistic retries are exhausted
	// 楽観的ロックの再試行回数を超えた場合のエラー
	ErrConcurrentModification = errors.New("同時更新が競合しました。再読込して再実行してください")

	// ErrInvalidTransfer is returned when a transfer is rejected before any write
	// 書き込み前に移動が拒否された場合のエラー
	ErrInvalidTransfer = errors.New("無効なバッチ移動です")

	// ErrPartialSale is returned when some sale lines committed and a later one did not
	// 一部の販売明細のみ確定した場合のエラー
	ErrPartialSale = errors.New("販売が一部のみ確定されました")

	// ErrStoreUnavailable is returned when the store cannot be reached
	// ストアに到達できない場合のエラー
	ErrStoreUnavailable = errors.New("ストアが利用できません")

	// ErrValidation is matched by every ValidationError
	// すべてのValidationErrorに一致
	ErrValidation = errors.New("入力値が不正です")
)

// Transfer rejection reasons
// 移動拒否理由コード
const (
	ReasonSameWarehouse       = "same_warehouse"
	ReasonNonPositiveQuantity = "non_positive_quantity"
	ReasonExceedsQuantity     = "exceeds_quantity"
	ReasonBatchInactive       = "batch_inactive"
)

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

func (e ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InsufficientStockError carries the scope and quantities of a failed allocation
// 引当失敗時のスコープと数量を保持
type InsufficientStockError struct {
	ProductID   int64 `json:"product_id"`
	WarehouseID int64 `json:"warehouse_id"`
	Available   int64 `json:"available"`
	Requested   int64 `json:"requested"`
}

func (e InsufficientStockError) Error() string {
	return fmt.Sprintf("在庫不足 [商品:%d 倉庫:%d]: 要求 %d, 利用可能 %d",
		e.ProductID, e.WarehouseID, e.Requested, e.Available)
}

func (e InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// InvalidTransferError represents a transfer rejected before any write
// 書き込み前に拒否された移動を表現
type InvalidTransferError struct {
	BatchID int64  `json:"batch_id"`
	Reason  string `json:"reason"`
}

func (e InvalidTransferError) Error() string {
	return fmt.Sprintf("無効な移動 [バッチ:%d]: %s", e.BatchID, e.Reason)
}

func (e InvalidTransferError) Is(target error) bool {
	return target == ErrInvalidTransfer
}

// ConcurrencyError represents a concurrency-related error
// 同時実行関連のエラーを表現
type ConcurrencyError struct {
	Operation string `json:"operation"` // 操作名
	Resource  string `json:"resource"`  // リソース
	Attempts  int    `json:"attempts"`  // 試行回数
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("同時実行エラー [%s:%s]: %d回試行しましたが競合が解消しませんでした",
		e.Operation, e.Resource, e.Attempts)
}

func (e ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrentModification
}

// PartialSaleFailureError reports which sale lines were committed before a
// later line failed. Committed lines are not rolled back.
// 後続明細の失敗前に確定済みの明細を報告（確定分は取り消されない）
type PartialSaleFailureError struct {
	CommittedLines []int `json:"committed_lines"` // 確定済み明細番号（1始まり）
	FailedLine     int   `json:"failed_line"`     // 失敗した明細番号（0は記録処理）
	Cause          error `json:"-"`
}

func (e PartialSaleFailureError) Error() string {
	lines := make([]string, len(e.CommittedLines))
	for i, n := range e.CommittedLines {
		lines[i] = fmt.Sprint(n)
	}
	step := fmt.Sprintf("明細 %d", e.FailedLine)
	if e.FailedLine == 0 {
		step = "販売記録"
	}
	return fmt.Sprintf("販売の一部確定 [確定済み明細: %s, 失敗: %s]: %v",
		strings.Join(lines, ","), step, e.Cause)
}

func (e PartialSaleFailureError) Is(target error) bool {
	return target == ErrPartialSale
}

func (e PartialSaleFailureError) Unwrap() error {
	return e.Cause
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e StorageError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewInsufficientStockError creates a new insufficient stock error
// 新しい在庫不足エラーを作成
func NewInsufficientStockError(productID, warehouseID, available, requested int64) *InsufficientStockError {
	return &InsufficientStockError{
		ProductID:   productID,
		WarehouseID: warehouseID,
		Available:   available,
		Requested:   requested,
	}
}

// NewInvalidTransferError creates a new invalid transfer error
func NewInvalidTransferError(batchID int64, reason string) *InvalidTransferError {
	return &InvalidTransferError{BatchID: batchID, Reason: reason}
}

// NewConcurrencyError creates a new concurrency error
// 新しい同時実行エラーを作成
func NewConcurrencyError(operation, resource string, attempts int) *ConcurrencyError {
	return &ConcurrencyError{
		Operation: operation,
		Resource:  resource,
		Attempts:  attempts,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// IsRetryable reports whether err is a store transport failure that is safe to
// retry for read-only and single-row operations.
// 読み取り専用・単一行操作で再試行可能なエラーかチェック
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
