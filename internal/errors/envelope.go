package errors

import (
	"net/http"
	"runtime/debug"

	"github.com/go-chi/render"
)

// wireError is the error body shared by every transport. Traceback is
// populated only when the server runs in debug mode.
type wireError struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// ErrorEnvelope is the failure shape: {"error": {...}}.
type ErrorEnvelope struct {
	Error wireError `json:"error"`
}

// ResultEnvelope is the success shape: {"result": ...}.
type ResultEnvelope struct {
	Result any `json:"result"`
}

// Render implements render.Renderer
func (e *ErrorEnvelope) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.Error.Code)
	return nil
}

// Envelope builds the error envelope for err. When debug is set the
// current stack is attached as the traceback.
func Envelope(err error, debug bool) *ErrorEnvelope {
	e := &ErrorEnvelope{
		Error: wireError{
			Code:    StatusOf(err),
			Message: err.Error(),
		},
	}
	if debug {
		e.Error.Traceback = string(stack())
	}
	return e
}

// WriteError writes the error envelope for err with its mapped status code.
func WriteError(w http.ResponseWriter, r *http.Request, err error, debugMode bool) {
	_ = render.Render(w, r, Envelope(err, debugMode))
}

// WriteErrorTrace writes an error envelope with an explicit traceback,
// used by the panic recoverer which captures the stack at the panic site.
func WriteErrorTrace(w http.ResponseWriter, r *http.Request, err error, traceback string) {
	e := Envelope(err, false)
	e.Error.Traceback = traceback
	_ = render.Render(w, r, e)
}

// WriteResult writes v wrapped as {"result": v} with status 200.
func WriteResult(w http.ResponseWriter, r *http.Request, v any) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, &ResultEnvelope{Result: v})
}

func stack() []byte {
	return debug.Stack()
}
