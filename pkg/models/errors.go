package models

import (
	"fmt"
	"strings"
)

// ErrorCode is the closed numeric error range surfaced to users and
// subscribers. Codes are part of the wire contract and must not be renumbered.
type ErrorCode int

const (
	CodeInvalidRequest           ErrorCode = 450
	CodeInvalidPermission        ErrorCode = 451
	CodeInvalidJob               ErrorCode = 453
	CodeUnableToAddTaskToJob     ErrorCode = 454
	CodeInvalidContainer         ErrorCode = 455
	CodeUnableToResize           ErrorCode = 456
	CodeUnauthorized             ErrorCode = 457
	CodeUnableToUseStoppedJob    ErrorCode = 458
	CodeVMCreateFailed           ErrorCode = 461
	CodeMissingNotification      ErrorCode = 462
	CodeInvalidImage             ErrorCode = 463
	CodeUnableToCreate           ErrorCode = 464
	CodeUnableToFind             ErrorCode = 467
	CodeTaskFailed               ErrorCode = 468
	CodeInvalidNode              ErrorCode = 469
	CodeNotificationFailure      ErrorCode = 470
	CodeInvalidTransition        ErrorCode = 471
	CodeConcurrentModification   ErrorCode = 472
	CodeSchedulingUnsatisfiable  ErrorCode = 473
	CodeNodeUnresponsive         ErrorCode = 474
	CodeWebhookDeliveryExhausted ErrorCode = 475
)

// Error is the structured failure record stored on terminally failed
// entities and carried in task_failed / job_stopped events.
type Error struct {
	Code   ErrorCode `json:"code"`
	Errors []string  `json:"errors"`
}

func NewError(code ErrorCode, messages ...string) *Error {
	return &Error{Code: code, Errors: messages}
}

func (e *Error) Error() string {
	return fmt.Sprintf("error %d: %s", e.Code, strings.Join(e.Errors, "; "))
}
