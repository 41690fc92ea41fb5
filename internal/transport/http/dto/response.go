package dto

// Result is the envelope every JSON endpoint answers with.
type Result struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Warning string   `json:"warning,omitempty"`
	Details []string `json:"details,omitempty"`
	Data    any      `json:"data,omitempty"`
}

func OK(message string, data any) Result {
	return Result{Success: true, Message: message, Data: data}
}

func Fail(message string, details ...string) Result {
	return Result{Success: false, Message: message, Details: details}
}

// Page wraps a listing with its total row count.
type Page struct {
	Total int64 `json:"total"`
	Rows  any   `json:"rows"`
}
