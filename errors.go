package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
)

const (
	canceledMessage  = "Request has been canceled due to timeout"
	unknownService   = "unknown-service"
	unknownErrorCode = "unknown-error-code"
	filteredMarker   = "[Filtered]"
)

// ErrTimeout matches every *CanceledError via errors.Is.
var ErrTimeout = errors.New("apiclient: request timeout")

// RequestSnapshot is the shape of the request that produced a failure.
type RequestSnapshot struct {
	Method  string            `json:"method"`
	BaseURL string            `json:"baseURL,omitempty"`
	URL     string            `json:"url"`
	Params  Payload           `json:"params,omitempty"`
	Data    Payload           `json:"data,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Auth    *BasicAuth        `json:"auth,omitempty"`
}

// TransportError is a raw dispatch failure. Response is set when the server
// answered with a status rejected by the status validator.
type TransportError struct {
	Message string
	// Code is a transport level code such as ECONNREFUSED.
	Code string
	// Status is a status carried by the failure itself, not by the response.
	Status   int
	Response *Response
	Request  RequestSnapshot
	// Data holds extra fields copied into NormalizedError.Meta.Extra. Status
	// failures fill it with the server's request id; custom error extractors
	// and transports may add their own.
	Data  map[string]any
	Cause error
}

func (e *TransportError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "apiclient: transport failure"
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// ErrorMetadata describes a NormalizedError.
type ErrorMetadata struct {
	Code        any            `json:"code,omitempty"`
	StatusText  string         `json:"statusText,omitempty"`
	ServiceName string         `json:"serviceName"`
	ErrorCode   string         `json:"errorCode"`
	Description string         `json:"description"`
	Data        Payload        `json:"data,omitempty"`
	URL         string         `json:"url,omitempty"`
	Method      string         `json:"method,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
	// Request is the scrubbed snapshot of the failed request.
	Request RequestSnapshot `json:"-"`
}

// NormalizedError is the uniform failure returned by SendRequest.
type NormalizedError struct {
	Message    string
	HTTPStatus int
	Meta       ErrorMetadata
	Cause      error
}

func (e *NormalizedError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s (status %d, %s)", e.Message, e.HTTPStatus, e.Meta.ErrorCode)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Meta.ErrorCode)
}

func (e *NormalizedError) Unwrap() error {
	return e.Cause
}

// CanceledMeta echoes the arguments of a call that ran out of time.
type CanceledMeta struct {
	Method  string
	URL     string
	Data    Payload
	Headers Headers
	Config  *CallConfig
}

// CanceledError is returned when a call exceeds its effective timeout.
type CanceledError struct {
	Meta CanceledMeta
}

func (e *CanceledError) Error() string {
	return canceledMessage
}

func (e *CanceledError) Unwrap() error {
	return context.DeadlineExceeded
}

func (e *CanceledError) Is(target error) bool {
	return target == ErrTimeout
}

// ErrorExtractor turns a raw transport failure into the error handed to the caller.
type ErrorExtractor interface {
	ExtractError(err *TransportError) error
}

// ErrorExtractorFunc adapts a function to ErrorExtractor.
type ErrorExtractorFunc func(err *TransportError) error

// ExtractError calls f.
func (f ErrorExtractorFunc) ExtractError(err *TransportError) error {
	return f(err)
}

// Normalizer is the default ErrorExtractor.
type Normalizer struct {
	BaseURL string
}

// ExtractError builds a NormalizedError from response body fields, falling back
// to the failure itself and then to fixed defaults.
func (n Normalizer) ExtractError(err *TransportError) error {
	var (
		body       map[string]any
		nested     map[string]any
		statusText string
	)
	if err.Response != nil {
		body, _ = err.Response.Data.(map[string]any)
		statusText = err.Response.StatusText
	}
	if body != nil {
		nested, _ = body["error"].(map[string]any)
	}

	code := firstPresent(body["code"], nested["code"], nonEmpty(err.Code))
	status := firstInt(body["status"], nested["status"], err.Status)
	message := firstString(body["message"], nested["message"], err.Message, statusText)

	serviceName := firstString(body["serviceName"], n.BaseURL, unknownService)
	errorCode := firstString(body["errorCode"], code, unknownErrorCode)
	description := firstString(body["description"], message)

	meta := ErrorMetadata{
		Code:        code,
		StatusText:  statusText,
		ServiceName: serviceName,
		ErrorCode:   errorCode,
		Description: description,
		Data:        err.Request.Data,
		URL:         err.Request.URL,
		Method:      err.Request.Method,
		Request:     err.Request,
	}
	if len(err.Data) > 0 {
		meta.Extra = make(map[string]any, len(err.Data))
		for k, v := range err.Data {
			meta.Extra[k] = v
		}
	}

	return &NormalizedError{
		Message:    message,
		HTTPStatus: status,
		Meta:       meta,
		Cause:      err,
	}
}

// scrubSecureFields replaces known credentials on the request snapshot.
func scrubSecureFields(err *TransportError) {
	req := &err.Request
	if req.Auth != nil {
		auth := *req.Auth
		if auth.Username != "" {
			auth.Username = filteredMarker
		}
		if auth.Password != "" {
			auth.Password = filteredMarker
		}
		req.Auth = &auth
	}
	for _, field := range []string{"password", "token"} {
		if v, ok := req.Data[field]; ok && !isZero(v) {
			req.Data[field] = filteredMarker
		}
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, "Authorization") && v != "" {
			req.Headers[k] = filteredMarker
		}
	}
}

// networkCode classifies a dispatch error the way Node reports socket errors.
func networkCode(err error) string {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "ECONNREFUSED"
	case errors.Is(err, syscall.ECONNRESET):
		return "ECONNRESET"
	case errors.As(err, &dnsErr):
		return "ENOTFOUND"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "ETIMEDOUT"
	default:
		return "ERR_NETWORK"
	}
}

func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isZero(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case float64:
		return x == 0
	case int:
		return x == 0
	}
	return false
}

func firstPresent(vals ...any) any {
	for _, v := range vals {
		if !isZero(v) {
			return v
		}
	}
	return nil
}

func firstString(vals ...any) string {
	for _, v := range vals {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func firstInt(vals ...any) int {
	for _, v := range vals {
		switch x := v.(type) {
		case int:
			if x != 0 {
				return x
			}
		case float64:
			if x != 0 {
				return int(x)
			}
		case string:
			if n, err := strconv.Atoi(x); err == nil && n != 0 {
				return n
			}
		}
	}
	return 0
}
