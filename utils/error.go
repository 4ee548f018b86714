package utils

import "errors"

// Sentinel errors shared across the stores and services. Callers branch on
// these with errors.Is rather than matching message text.
var (
	ErrorRecordNotFound  = errors.New("record not found")
	ErrorLockNotObtained = errors.New("could not obtain lock for purchase order")
)

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
