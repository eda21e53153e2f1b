package domain

import (
	"errors"
	"fmt"
)

// Códigos estables usados en las respuestas del daemon
const (
	CodeDuplicateTask     = "duplicate_task"
	CodeInvalidTransition = "invalid_transition"
	CodeTaskBusy          = "task_busy"
	CodeInvalidConfig     = "invalid_config"
	CodeNotFound          = "not_found"
)

// Valores centinela para errors.Is
var (
	ErrDuplicateTask     = &DuplicateTaskError{}
	ErrInvalidTransition = &InvalidTransitionError{}
	ErrTaskBusy          = &TaskBusyError{}
	ErrInvalidConfig     = &InvalidConfigError{}
	ErrNotFound          = &NotFoundError{}
)

// DuplicateTaskError se produce al crear una segunda tarea para el mismo episodio
// o para el mismo archivo destino. Path solo se informa en el segundo caso.
type DuplicateTaskError struct {
	AnimeID    string
	EpisodeID  string
	Path       string
	ExistingID string
}

func (e *DuplicateTaskError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("task already targets %s: %s", e.Path, e.ExistingID)
	}
	if e.ExistingID != "" {
		return fmt.Sprintf("task already exists for anime %s episode %s: %s", e.AnimeID, e.EpisodeID, e.ExistingID)
	}
	return fmt.Sprintf("task already exists for anime %s episode %s", e.AnimeID, e.EpisodeID)
}

func (e *DuplicateTaskError) Is(target error) bool {
	_, ok := target.(*DuplicateTaskError)
	return ok
}

// InvalidTransitionError se produce ante una transición de estado ilegal
type InvalidTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	_, ok := target.(*InvalidTransitionError)
	return ok
}

// TaskBusyError se produce al borrar una tarea que está descargando
type TaskBusyError struct {
	TaskID string
}

func (e *TaskBusyError) Error() string {
	return fmt.Sprintf("task %s is downloading, cancel it first", e.TaskID)
}

func (e *TaskBusyError) Is(target error) bool {
	_, ok := target.(*TaskBusyError)
	return ok
}

// InvalidConfigError se produce cuando un setter recibe un valor inválido
type InvalidConfigError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

func (e *InvalidConfigError) Is(target error) bool {
	_, ok := target.(*InvalidConfigError)
	return ok
}

func NewInvalidConfigError(field, reason string) *InvalidConfigError {
	return &InvalidConfigError{Field: field, Reason: reason}
}

// NotFoundError se produce cuando un recurso no existe
type NotFoundError struct {
	Resource string
	ID       interface{}
}

func (e *NotFoundError) Error() string {
	if e.ID != nil {
		return fmt.Sprintf("%s not found: %v", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

func NewNotFoundError(resource string, id interface{}) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ErrorCode mapea un error de dominio a su código estable ("" si no es de dominio)
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateTask):
		return CodeDuplicateTask
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrTaskBusy):
		return CodeTaskBusy
	case errors.Is(err, ErrInvalidConfig):
		return CodeInvalidConfig
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return ""
	}
}

// CodeError es un error remoto que conserva el código para errors.Is
type CodeError struct {
	Code    string
	Message string
}

func (e *CodeError) Error() string {
	return e.Message
}

func (e *CodeError) Is(target error) bool {
	switch target.(type) {
	case *DuplicateTaskError:
		return e.Code == CodeDuplicateTask
	case *InvalidTransitionError:
		return e.Code == CodeInvalidTransition
	case *TaskBusyError:
		return e.Code == CodeTaskBusy
	case *InvalidConfigError:
		return e.Code == CodeInvalidConfig
	case *NotFoundError:
		return e.Code == CodeNotFound
	}
	return false
}
