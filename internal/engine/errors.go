package engine

import (
	"encoding/json"
	"fmt"
)

// Error codes reported by the compiler and runtime.
const (
	CodeSyntax           = "JUTTLE-SYNTAX-ERROR-WITH-EXPECTED"
	CodeNoFlowgraph      = "RT-PROGRAM-WITHOUT-FLOWGRAPH"
	CodeModuleNotFound   = "RT-MODULE-NOT-FOUND"
	CodeUnknownOption    = "RT-UNKNOWN-OPTION-ERROR"
	CodeInvalidOption    = "RT-INVALID-OPTION-ERROR"
	CodeInvalidFlowgraph = "RT-INVALID-FLOWGRAPH"
	CodeInputNotFound    = "RT-INPUT-NOT-FOUND"
	CodeFieldNotFound    = "RT-FIELD-NOT-FOUND"
)

// MainFilename names the program itself in error locations.
const MainFilename = "main"

// Position is a point in program source. Line and Column are 1-based,
// Offset is a 0-based byte offset.
type Position struct {
	Offset int `json:"offset"`
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Location is a source span; End is exclusive.
type Location struct {
	Filename string   `json:"filename"`
	Start    Position `json:"start"`
	End      Position `json:"end"`
}

// Error is a structured compile or runtime error.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Info    map[string]any `json:"info"`
}

func (e *Error) Error() string {
	return e.Message
}

// Location returns the error's source span, if it has one.
func (e *Error) Location() (Location, bool) {
	loc, ok := e.Info["location"].(Location)
	return loc, ok
}

// JSON renders the error for the wire. It never fails for errors built here.
func (e *Error) JSON() json.RawMessage {
	data, err := json.Marshal(e)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"code":%q,"message":%q}`, e.Code, e.Message))
	}
	return data
}

func newError(code string, loc Location, message string, info map[string]any) *Error {
	if info == nil {
		info = map[string]any{}
	}
	info["location"] = loc
	return &Error{Code: code, Message: message, Info: info}
}

func syntaxError(loc Location, expected, found string) *Error {
	foundDesc := "end of input"
	if found != "" {
		foundDesc = fmt.Sprintf("%q", found)
	}
	return newError(CodeSyntax, loc,
		fmt.Sprintf("Expected %s but %s found.", expected, foundDesc),
		map[string]any{
			"expectedDescription": expected,
			"found":               found,
			"foundDescription":    foundDesc,
		})
}
