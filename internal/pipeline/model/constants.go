package model

// Error codes returned in ErrorDetail.Code.
const (
	ErrorCodeInvalidParameter = "INVALID_PARAMETER"
	ErrorCodeNotFound         = "NOT_FOUND"
	ErrorCodeOverloaded       = "OVERLOADED"
	ErrorCodeInternalError    = "INTERNAL_ERROR"
)
