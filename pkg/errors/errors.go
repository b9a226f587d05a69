// Package errors 提供連線、房間、限流與協定層共用的錯誤分類
package errors

import (
	"errors"
	"fmt"
	"time"
)

// 定義錯誤碼
const (
	// ErrCodeConnection 傳輸層錯誤（非致命錯誤碼時可重試）
	ErrCodeConnection = "CONNECTION_ERROR"
	// ErrCodeRoomFull 房間已滿
	ErrCodeRoomFull = "ROOM_FULL"
	// ErrCodeRoomNotFound 房間不存在
	ErrCodeRoomNotFound = "ROOM_NOT_FOUND"
	// ErrCodeRoomInProgress 房間已開始或已結束
	ErrCodeRoomInProgress = "ROOM_IN_PROGRESS"
	// ErrCodeRateLimited 觸發限流（暫時性）
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeValidation 訊息格式錯誤
	ErrCodeValidation = "VALIDATION_ERROR"
	// ErrCodeInvalidState 非法的狀態轉換
	ErrCodeInvalidState = "INVALID_STATE"
	// ErrCodeNotEnoughPlayers 玩家數不足
	ErrCodeNotEnoughPlayers = "NOT_ENOUGH_PLAYERS"
	// ErrCodeAlreadyInRoom 玩家已在其他房間
	ErrCodeAlreadyInRoom = "ALREADY_IN_ROOM"
	// ErrCodePlayerNotInRoom 玩家不在房間內
	ErrCodePlayerNotInRoom = "PLAYER_NOT_IN_ROOM"
	// ErrCodeNotHost 只有房主可以執行
	ErrCodeNotHost = "NOT_HOST"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`

	// Remaining / ResetAt 只在 RATE_LIMITED 時有值
	Remaining int       `json:"remaining,omitempty"`
	ResetAt   time.Time `json:"resetAt,omitzero"`

	Err error `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is，以錯誤碼比對
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

// WithDetails 返回帶詳細資訊的副本，預定義錯誤不會被修改
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// RateLimited 創建帶剩餘配額與重置時間的限流錯誤
func RateLimited(action string, remaining int, resetAt time.Time) *AppError {
	return &AppError{
		Code:      ErrCodeRateLimited,
		Message:   "rate limit exceeded",
		Details:   action,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// 預定義錯誤
var (
	ErrConnection      = New(ErrCodeConnection, "connection failed")
	ErrRoomFull        = New(ErrCodeRoomFull, "room is full")
	ErrRoomNotFound    = New(ErrCodeRoomNotFound, "room not found")
	ErrRoomInProgress  = New(ErrCodeRoomInProgress, "room is not accepting players")
	ErrRateLimited     = New(ErrCodeRateLimited, "rate limit exceeded")
	ErrValidation      = New(ErrCodeValidation, "invalid message")
	ErrInvalidState    = New(ErrCodeInvalidState, "invalid room state transition")
	ErrNotEnoughPlayer = New(ErrCodeNotEnoughPlayers, "not enough players to start")
	ErrAlreadyInRoom   = New(ErrCodeAlreadyInRoom, "player already in a room")
	ErrPlayerNotInRoom = New(ErrCodePlayerNotInRoom, "player not in room")
	ErrNotHost         = New(ErrCodeNotHost, "only the host can do this")
	ErrInternal        = New(ErrCodeInternal, "internal error")
)

// CodeOf 取出錯誤碼，非 AppError 時返回 INTERNAL_ERROR
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsConnection 檢查是否為連線錯誤
func IsConnection(err error) bool { return hasCode(err, ErrCodeConnection) }

// IsRoomFull 檢查是否為房間已滿
func IsRoomFull(err error) bool { return hasCode(err, ErrCodeRoomFull) }

// IsRoomNotFound 檢查是否為房間不存在
func IsRoomNotFound(err error) bool { return hasCode(err, ErrCodeRoomNotFound) }

// IsRoomInProgress 檢查是否為房間已開始
func IsRoomInProgress(err error) bool { return hasCode(err, ErrCodeRoomInProgress) }

// IsRateLimited 檢查是否為限流錯誤
func IsRateLimited(err error) bool { return hasCode(err, ErrCodeRateLimited) }

// IsValidation 檢查是否為格式錯誤
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsRetryable 房間類錯誤需要換房間，限流與連線錯誤可稍後重試
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeRateLimited, ErrCodeConnection:
		return true
	default:
		return false
	}
}
