package contract_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/pkg/gradingapi"
	"github.com/noah-isme/gema-grader/pkg/gradingapi/gradingapitest"
)

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	schemaPath, err := filepath.Abs(filepath.Join("..", "contracts", name))
	require.NoError(t, err)

	schema, err := jsonschema.NewCompiler().Compile("file://" + filepath.ToSlash(schemaPath))
	require.NoError(t, err)
	return schema
}

func newConsole(t *testing.T, api *gradingapitest.Server) (*fiber.App, service.GradingWorkflow) {
	t.Helper()
	logger := zerolog.Nop()

	client, err := gradingapi.New(gradingapi.Config{BaseURL: api.URL, Timeout: 2 * time.Second, Logger: logger})
	require.NoError(t, err)

	workflow := service.NewGradingWorkflow(service.WorkflowDependencies{
		Uploads:   service.NewUploadService(client, 5, logger),
		Catalog:   service.NewModelService(client, nil, 0, logger),
		Submitter: client,
		Poller:    service.NewPoller(client, service.PollerConfig{Interval: 10 * time.Millisecond, MaxErrors: 3}, logger),
		Results:   service.NewResultService(client, logger),
		Downloads: service.NewDownloadService(client, nil, logger),
	}, logger)
	t.Cleanup(workflow.Close)

	app := fiber.New()
	cfg := config.Config{AppName: "GEMA Grader", AppEnv: "test", APIBaseURL: api.URL}
	router.Register(app, cfg, router.Dependencies{
		WorkflowHandler: handler.NewWorkflowHandler(workflow, nil, logger, time.Second),
	})
	return app, workflow
}

func getJSON(t *testing.T, app *fiber.App, req *http.Request) (int, interface{}) {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	var payload interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	return resp.StatusCode, payload
}

func uploadRequest(t *testing.T) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "essays.csv")
	require.NoError(t, err)
	_, err = io.WriteString(part, "student_id,response\nS-1,Recursion is a function calling itself\n")
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflow/upload", &body)
	req.Header.Set(fiber.HeaderContentType, writer.FormDataContentType())
	return req
}

func TestHealthContract(t *testing.T) {
	api := gradingapitest.NewServer(3)
	defer api.Close()
	app, _ := newConsole(t, api)

	status, payload := getJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, compileSchema(t, "health.schema.json").Validate(payload))
}

func TestWorkflowStateContract(t *testing.T) {
	api := gradingapitest.NewServer(7, gradingapitest.Processing(2), gradingapitest.Complete("/out/job1.xlsx"))
	defer api.Close()
	app, workflow := newConsole(t, api)
	schema := compileSchema(t, "workflow_state.schema.json")

	status, payload := getJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/workflow/state", nil))
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, schema.Validate(payload))

	status, _ = getJSON(t, app, uploadRequest(t))
	require.Equal(t, http.StatusOK, status)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflow/jobs", strings.NewReader(`{"model":"llama3.1:latest"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	status, _ = getJSON(t, app, req)
	require.Equal(t, http.StatusAccepted, status)

	require.Eventually(t, func() bool {
		return workflow.State().ResultCount == 7
	}, 3*time.Second, 10*time.Millisecond)

	status, payload = getJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/workflow/state", nil))
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, schema.Validate(payload))
}

func TestErrorEnvelopeContract(t *testing.T) {
	api := gradingapitest.NewServer(3)
	defer api.Close()
	app, _ := newConsole(t, api)
	schema := compileSchema(t, "envelope.schema.json")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflow/jobs", strings.NewReader(`{}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	status, payload := getJSON(t, app, req)
	require.Equal(t, http.StatusBadRequest, status)
	require.NoError(t, schema.Validate(payload))

	status, payload = getJSON(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/workflow/results", nil))
	require.Equal(t, http.StatusNotFound, status)
	require.NoError(t, schema.Validate(payload))
}
