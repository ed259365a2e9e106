package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"runtime/debug"

	"github.com/cyclopcam/logs"
	"github.com/julienschmidt/httprouter"
)

// httpError can be panic'ed from inside a handler; runProtected turns it into
// a response.
type httpError struct {
	Code    int
	Message string
}

func (e httpError) Error() string {
	return fmt.Sprintf("%v %v", e.Code, e.Message)
}

func panicNotFound() {
	panic(httpError{http.StatusNotFound, "Not Found"})
}

func panicBadRequestf(format string, args ...interface{}) {
	panic(httpError{http.StatusBadRequest, fmt.Sprintf(format, args...)})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Stage  string `json:"stage,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// runProtected runs handler inside a panic handler that sends the matching
// JSON error response.
func runProtected(log logs.Log, w http.ResponseWriter, r *http.Request, handler func()) {
	defer func() {
		if rec := recover(); rec != nil {
			if hErr, ok := rec.(httpError); ok {
				log.Infof("Server: failed request %v: %v %v", r.URL.Path, hErr.Code, hErr.Message)
				sendError(w, hErr.Message, hErr.Code)
			} else if err, ok := rec.(runtime.Error); ok {
				log.Errorf("Server: runtime panic %v: %v", r.URL.Path, err)
				log.Errorf("Server: stack trace: %v", string(debug.Stack()))
				sendError(w, "internal server error", http.StatusInternalServerError)
			} else if err, ok := rec.(error); ok {
				log.Errorf("Server: panic %v: %v", r.URL.Path, err)
				sendError(w, err.Error(), http.StatusInternalServerError)
			} else {
				log.Errorf("Server: unrecognized panic %v: %v", r.URL.Path, rec)
				sendError(w, "internal server error", http.StatusInternalServerError)
			}
		}
	}()

	handler()
}

// sendError sends {"status":"failed","error":message}.
func sendError(w http.ResponseWriter, message string, code int) {
	sendJSONStatus(w, errorBody{Status: "failed", Error: message}, code)
}

func sendJSON(w http.ResponseWriter, obj interface{}) {
	sendJSONStatus(w, obj, http.StatusOK)
}

func sendJSONStatus(w http.ResponseWriter, obj interface{}, code int) {
	b, err := json.Marshal(obj)
	if err != nil {
		panic(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	w.Write(b)
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// handle adds a protected route that is counted in metrics under its path
// pattern. mw, when set, wraps the handler (rate limiting).
func (s *Server) handle(method, path string, handle httprouter.Handle, mw func(http.Handler) http.Handler) {
	wrapper := func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		rec := &statusRecorder{ResponseWriter: w}
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			runProtected(s.log, w, r, func() { handle(w, r, p) })
		})
		if mw != nil {
			mw(inner).ServeHTTP(rec, r)
		} else {
			inner.ServeHTTP(rec, r)
		}
		code := rec.code
		if code == 0 {
			code = http.StatusOK
		}
		s.metrics.ObserveRequest(path, code)
	}
	s.router.Handle(method, path, wrapper)
}

// cors sets permissive CORS headers for browser clients of the API.
func cors(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}
