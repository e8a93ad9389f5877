package durable

import (
	"fmt"
	"runtime"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

// PanicError carries a recovered panic value and the cleaned stack of the
// goroutine that raised it.
type PanicError struct {
	Where string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Where, e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return apperrors.New(fmt.Sprint(e.Value), apperrors.CategoryInternal).WithTextCode(CodePanic)
}

// capturePanic runs fn and turns a panic into a *PanicError.
func capturePanic(where string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 8096)
			n := runtime.Stack(stack, false)
			err = &PanicError{Where: where, Value: r, Stack: cleanStackTrace(stack[:n])}
		}
	}()
	return fn()
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() frame and its file line
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
