package model

// ErrorResponse is the body of every JSON error the tile server returns,
// including auth failures and errors on tile routes.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failed request. RequestID matches the
// X-Request-ID response header and the request_id field in the access log.
type ErrorDetail struct {
	Code      int            `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// NewErrorResponse builds the envelope for an HTTP status.
func NewErrorResponse(code int, message, requestID string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Code: code, Message: message, RequestID: requestID}}
}

// With returns a copy of e with key set in its context.
func (e ErrorResponse) With(key string, value any) ErrorResponse {
	ctx := make(map[string]any, len(e.Error.Context)+1)
	for k, v := range e.Error.Context {
		ctx[k] = v
	}
	ctx[key] = value
	e.Error.Context = ctx
	return e
}
