// Package gradingapitest provides an in-process grading API for tests of code built on gradingapi.
package gradingapitest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Server is a scripted grading API. Status responses are served in order and the last one repeats.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	statuses []string
	rows     int
	output   []byte
	calls    map[string]int
}

// NewServer starts a server that accepts an upload of rows essays, grades them as job "job1" and
// reports the given status bodies.
func NewServer(rows int, statuses ...string) *Server {
	if len(statuses) == 0 {
		statuses = []string{Complete("/out/job1.xlsx")}
	}
	s := &Server{
		statuses: statuses,
		rows:     rows,
		output:   []byte("PK-graded-spreadsheet"),
		calls:    map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/upload-essays", s.upload)
	mux.HandleFunc("/list-models", s.reply("models", `{"success":true,"models":[{"name":"llama3.1:latest","version":"3.1","size":"4.7GB"},{"name":"mistral:7b"}]}`))
	mux.HandleFunc("/api/grade-essays", s.reply("grade", `{"success":true,"jobId":"job1"}`))
	mux.HandleFunc("/api/grading-status/", s.status)
	mux.HandleFunc("/api/grading-results/", s.results)
	mux.HandleFunc("/out/", func(w http.ResponseWriter, r *http.Request) {
		s.count("download")
		_, _ = w.Write(s.output)
	})

	s.Server = httptest.NewServer(mux)
	return s
}

// Processing returns a status body reporting progress rows processed.
func Processing(progress int) string {
	return fmt.Sprintf(`{"status":"processing","progress":%d}`, progress)
}

// Complete returns a status body for a finished job.
func Complete(outputURL string) string {
	return fmt.Sprintf(`{"status":"complete","outputUrl":%q}`, outputURL)
}

// Calls returns how often the named endpoint was hit: upload, models, grade, status, results or
// download.
func (s *Server) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// Output returns the bytes served as the graded spreadsheet.
func (s *Server) Output() []byte {
	return s.output
}

func (s *Server) count(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
}

func (s *Server) reply(name, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.count(name)
		writeJSON(w, http.StatusOK, body)
	}
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, `{"success":false,"message":"No file uploaded"}`)
		return
	}
	_ = file.Close()
	s.count("upload")

	writeJSON(w, http.StatusOK, fmt.Sprintf(
		`{"success":true,"fileInfo":{"name":%q,"path":"/uploads/%s","rowCount":%d,"hasResponseColumn":true,"columns":["student_id","response"],"previewData":[{"student_id":"S-1","excerpt":"Recursion is","word_count":42}]}}`,
		header.Filename, header.Filename, s.rows,
	))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls["status"]++
	next := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, next)
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	s.count("results")

	rows := make([]string, 0, s.rows)
	for i := 1; i <= s.rows; i++ {
		rows = append(rows, fmt.Sprintf(
			`{"student_id":"S-%d","feedback_1_score":%d,"feedback_1_feedback":"Clear thesis","feedback_2_score":8,"feedback_3_score":7,"feedback_4_score":6,"total_score":%d}`,
			i, 10-i%3, 55+i%45,
		))
	}
	writeJSON(w, http.StatusOK, `{"success":true,"results":[`+strings.Join(rows, ",")+`]}`)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
