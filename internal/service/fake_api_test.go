package service

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/pkg/gradingapi"
)

const (
	uploadFileInfo = `{"success":true,"fileInfo":{"name":"essays.csv","path":"/uploads/essays.csv","rowCount":50,"hasResponseColumn":true,"columns":["student_id","response"]}}`
	gradeAccepted  = `{"success":true,"jobId":"job1"}`
	essaysCSV      = "student_id,response\nS-1,Recursion is a function calling itself\nS-2,A loop repeats\n"
)

var testOutput = []byte("PK-graded-spreadsheet")

// fakeGradingAPI is an in-memory grading API. Status responses are served in order and the last
// one repeats.
type fakeGradingAPI struct {
	server *httptest.Server

	mu              sync.Mutex
	calls           map[string]int
	uploadStatus    int
	uploadBody      string
	gradeStatus     int
	gradeBody       string
	gradeDelay      time.Duration
	statusQueue     []fakeResponse
	resultsStatus   int
	resultsBody     string
	modelsBody      string
	uploadedName    string
	uploadedPayload string
	gradeRequests   []string
}

type fakeResponse struct {
	status int
	body   string
}

func newFakeGradingAPI(t *testing.T) *fakeGradingAPI {
	t.Helper()
	api := &fakeGradingAPI{
		calls:        map[string]int{},
		uploadStatus: http.StatusOK,
		uploadBody:   uploadFileInfo,
		gradeStatus:  http.StatusOK,
		gradeBody:    gradeAccepted,
		statusQueue: []fakeResponse{
			{status: http.StatusOK, body: `{"status":"processing","progress":10}`},
			{status: http.StatusOK, body: `{"status":"complete","outputUrl":"/out/job1.xlsx"}`},
		},
		resultsStatus: http.StatusOK,
		resultsBody:   resultsBody(7),
		modelsBody:    `{"success":true,"models":[{"name":"llama3.1:latest","version":"3.1","size":"4.7GB"},{"name":"mistral:7b"}]}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/upload-essays", api.handleUpload)
	mux.HandleFunc("/list-models", api.handle("models", func() (int, string) { return http.StatusOK, api.modelsBody }))
	mux.HandleFunc("/api/grade-essays", api.handleGrade)
	mux.HandleFunc("/api/grading-status/", api.handleStatus)
	mux.HandleFunc("/api/grading-results/", api.handle("results", func() (int, string) { return api.resultsStatus, api.resultsBody }))
	mux.HandleFunc("/out/", func(w http.ResponseWriter, r *http.Request) {
		api.count("download")
		_, _ = w.Write(testOutput)
	})

	api.server = httptest.NewServer(mux)
	t.Cleanup(api.server.Close)
	return api
}

func (a *fakeGradingAPI) client(t *testing.T) *gradingapi.Client {
	t.Helper()
	client, err := gradingapi.New(gradingapi.Config{BaseURL: a.server.URL, Timeout: 2 * time.Second, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return client
}

func (a *fakeGradingAPI) count(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[name]++
}

func (a *fakeGradingAPI) callCount(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[name]
}

func (a *fakeGradingAPI) lastUpload() (string, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uploadedName, a.uploadedPayload
}

func (a *fakeGradingAPI) gradeRequest(i int) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gradeRequests[i]
}

func (a *fakeGradingAPI) set(fn func(api *fakeGradingAPI)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a)
}

func (a *fakeGradingAPI) handle(name string, respond func() (int, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.calls[name]++
		status, body := respond()
		a.mu.Unlock()
		writeJSON(w, status, body)
	}
}

func (a *fakeGradingAPI) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, `{"success":false,"message":"file field missing"}`)
		return
	}
	payload, _ := io.ReadAll(file)

	a.mu.Lock()
	a.calls["upload"]++
	a.uploadedName = header.Filename
	a.uploadedPayload = string(payload)
	status, body := a.uploadStatus, a.uploadBody
	a.mu.Unlock()

	writeJSON(w, status, body)
}

func (a *fakeGradingAPI) handleGrade(w http.ResponseWriter, r *http.Request) {
	payload, _ := io.ReadAll(r.Body)

	a.mu.Lock()
	a.calls["grade"]++
	a.gradeRequests = append(a.gradeRequests, string(payload))
	status, body, delay := a.gradeStatus, a.gradeBody, a.gradeDelay
	a.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	writeJSON(w, status, body)
}

func (a *fakeGradingAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.calls["status"]++
	next := a.statusQueue[0]
	if len(a.statusQueue) > 1 {
		a.statusQueue = a.statusQueue[1:]
	}
	a.mu.Unlock()

	writeJSON(w, next.status, next.body)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func resultsBody(count int) string {
	rows := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		rows = append(rows, fmt.Sprintf(
			`{"student_id":"S-%d","feedback_1_score":%d,"feedback_1_feedback":"Clear thesis","feedback_2_score":8,"feedback_3_score":7,"feedback_4_score":6,"total_score":%d}`,
			i, 10-i%3, 60+i*5,
		))
	}
	return `{"success":true,"results":[` + strings.Join(rows, ",") + `]}`
}

func processing(progress int) fakeResponse {
	return fakeResponse{status: http.StatusOK, body: fmt.Sprintf(`{"status":"processing","progress":%d}`, progress)}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
