package errors

import stderrors "errors"

// Is, As and Join re-export the standard library helpers so callers can use a
// single errors import.
var (
	Is   = stderrors.Is
	As   = stderrors.As
	Join = stderrors.Join
)
