// Package fakeapi is an in-process Runtime API used by tests. It hands out
// queued invocations, records every report and can be scripted to answer
// with error statuses.
package fakeapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/wehubfusion/lambdaruntime/pkg/runtimeapi"
)

// Report kinds.
const (
	KindResponse  = "response"
	KindError     = "error"
	KindInitError = "init-error"
)

// Invocation is one queued event.
type Invocation struct {
	RequestID     string
	Body          string
	DeadlineMs    int64
	FunctionArn   string
	TraceID       string
	OmitRequestID bool
}

// Report is a POST received from the runtime.
type Report struct {
	Kind      string
	RequestID string
	Body      []byte
	Header    http.Header
}

// Server is the fake control plane.
type Server struct {
	*httptest.Server

	version string

	mu            sync.Mutex
	queue         []Invocation
	reports       []Report
	polls         int
	pollStatuses  []int
	reportStatus  int
	dropReports   int
	drained       chan struct{}
	drainedClosed bool
	closing       chan struct{}
	closeOnce     sync.Once
}

// New starts a fake Runtime API serving version.
func New(version string) *Server {
	s := &Server{
		version:      strings.Trim(version, "/"),
		reportStatus: http.StatusAccepted,
		drained:      make(chan struct{}),
		closing:      make(chan struct{}),
	}

	mux := http.NewServeMux()
	prefix := "/" + s.version + "/runtime"
	mux.HandleFunc("GET "+prefix+"/invocation/next", s.handleNext)
	mux.HandleFunc("POST "+prefix+"/invocation/{id}/response", s.handleReport(KindResponse))
	mux.HandleFunc("POST "+prefix+"/invocation/{id}/error", s.handleReport(KindError))
	mux.HandleFunc("POST "+prefix+"/init/error", s.handleReport(KindInitError))

	s.Server = httptest.NewServer(mux)
	return s
}

// Base returns the host:port to use as the Runtime API endpoint.
func (s *Server) Base() string {
	return strings.TrimPrefix(s.URL, "http://")
}

// Close unblocks pending polls and shuts the server down.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
	s.Server.Close()
}

// Enqueue adds an invocation and returns its request id. A random id is
// assigned when none is given.
func (s *Server) Enqueue(inv Invocation) string {
	if inv.RequestID == "" && !inv.OmitRequestID {
		inv.RequestID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, inv)
	return inv.RequestID
}

// EnqueueEvent queues body under requestID.
func (s *Server) EnqueueEvent(requestID, body string) string {
	return s.Enqueue(Invocation{RequestID: requestID, Body: body})
}

// FailPolls makes the next n polls answer with status before serving the queue.
func (s *Server) FailPolls(status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.pollStatuses = append(s.pollStatuses, status)
	}
}

// SetReportStatus sets the status returned for every report.
func (s *Server) SetReportStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reportStatus = status
}

// DropReports makes the next n reports fail at the connection level.
func (s *Server) DropReports(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropReports = n
}

// Drained is closed the first time a poll finds the queue empty.
func (s *Server) Drained() <-chan struct{} {
	return s.drained
}

// Polls returns how many next-invocation requests were received.
func (s *Server) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

// Reports returns a copy of all recorded reports in arrival order.
func (s *Server) Reports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Report, len(s.reports))
	copy(out, s.reports)
	return out
}

// ReportsOf returns the recorded reports of one kind.
func (s *Server) ReportsOf(kind string) []Report {
	var out []Report
	for _, r := range s.Reports() {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.polls++

	if len(s.pollStatuses) > 0 {
		status := s.pollStatuses[0]
		s.pollStatuses = s.pollStatuses[1:]
		s.mu.Unlock()
		http.Error(w, `{"errorMessage":"scripted","errorType":"Test"}`, status)
		return
	}

	if len(s.queue) == 0 {
		if !s.drainedClosed {
			s.drainedClosed = true
			close(s.drained)
		}
		s.mu.Unlock()
		// block like the real control plane until the caller gives up
		select {
		case <-r.Context().Done():
		case <-s.closing:
		}
		return
	}

	inv := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	if !inv.OmitRequestID {
		w.Header().Set(runtimeapi.HeaderRequestID, inv.RequestID)
	}
	if inv.DeadlineMs > 0 {
		w.Header().Set(runtimeapi.HeaderDeadlineMs, strconv.FormatInt(inv.DeadlineMs, 10))
	}
	if inv.FunctionArn != "" {
		w.Header().Set(runtimeapi.HeaderInvokedFunctionArn, inv.FunctionArn)
	}
	if inv.TraceID != "" {
		w.Header().Set(runtimeapi.HeaderTraceID, inv.TraceID)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, inv.Body)
}

func (s *Server) handleReport(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		s.mu.Lock()
		if s.dropReports > 0 {
			s.dropReports--
			s.mu.Unlock()
			dropConnection(w)
			return
		}
		s.reports = append(s.reports, Report{
			Kind:      kind,
			RequestID: r.PathValue("id"),
			Body:      body,
			Header:    r.Header.Clone(),
		})
		status := s.reportStatus
		s.mu.Unlock()

		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"status":"OK"}`)
	}
}

// dropConnection closes the underlying connection without a response so the
// client sees an I/O error.
func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}
