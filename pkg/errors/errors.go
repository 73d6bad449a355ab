// Package errors 提供房間協調服務的錯誤分類
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeRoomFull 房間已滿（可恢復的准入拒絕）
	ErrCodeRoomFull = "ROOM_FULL"
	// ErrCodeAlreadyExists 資源已存在
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeRoomNotOpen 房間不在可加入狀態
	ErrCodeRoomNotOpen = "ROOM_NOT_OPEN"
	// ErrCodeQuotaExceeded 配額超限
	ErrCodeQuotaExceeded = "QUOTA_EXCEEDED"
	// ErrCodeUnavailable 外部服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
	// ErrCodeAllocationExhausted 房間 ID 重試次數用盡
	ErrCodeAllocationExhausted = "ALLOCATION_EXHAUSTED"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對，讓 errors.Is(err, ErrRoomFull) 對包裝後的錯誤也成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶詳細資訊的副本（預定義錯誤是共享變數，不能原地修改）
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = New(ErrCodeNotFound, "room not found")

	// ErrRoomFull 房間已滿
	ErrRoomFull = New(ErrCodeRoomFull, "room is full")

	// ErrAlreadyJoined 同一個 session 重複加入
	ErrAlreadyJoined = New(ErrCodeAlreadyExists, "session already in room")

	// ErrRoomNotOpen 房間尚未開放或已在銷毀中
	ErrRoomNotOpen = New(ErrCodeRoomNotOpen, "room is not open")

	// ErrTooManyRooms 房間數量達上限
	ErrTooManyRooms = New(ErrCodeQuotaExceeded, "room limit reached")

	// ErrInvalidCapacity 房間容量不合法
	ErrInvalidCapacity = New(ErrCodeInvalidInput, "invalid room capacity")

	// ErrRegistryUnavailable Presence Registry 不可用
	ErrRegistryUnavailable = New(ErrCodeUnavailable, "presence registry unavailable")

	// ErrAllocationExhausted 無法在重試預算內取得唯一房間 ID
	ErrAllocationExhausted = New(ErrCodeAllocationExhausted, "room id allocation exhausted")
)

// Code 取出錯誤碼，非 AppError 一律視為內部錯誤
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return err != nil && Code(err) == ErrCodeNotFound
}

// IsRoomFull 檢查是否為房間已滿
func IsRoomFull(err error) bool {
	return err != nil && Code(err) == ErrCodeRoomFull
}

// IsAlreadyExists 檢查是否為已存在錯誤
func IsAlreadyExists(err error) bool {
	return err != nil && Code(err) == ErrCodeAlreadyExists
}

// IsUnavailable 檢查是否為外部服務不可用
func IsUnavailable(err error) bool {
	return err != nil && Code(err) == ErrCodeUnavailable
}

// HTTPStatus 將錯誤碼對應到 HTTP 狀態碼
func HTTPStatus(err error) int {
	switch Code(err) {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRoomFull, ErrCodeAlreadyExists:
		return http.StatusConflict
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeRoomNotOpen:
		return http.StatusGone
	case ErrCodeQuotaExceeded:
		return http.StatusTooManyRequests
	case ErrCodeUnavailable, ErrCodeAllocationExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
