package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type archiverStub struct {
	jobID   string
	name    string
	payload []byte
	err     error
}

func (a *archiverStub) Archive(ctx context.Context, jobID, fileName string, reader io.Reader) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.jobID = jobID
	a.name = fileName
	a.payload, _ = io.ReadAll(reader)
	return "https://res.cloudinary.com/demo/raw/upload/" + jobID + "-" + fileName, nil
}

func TestDownloadServiceStreamsOutput(t *testing.T) {
	api := newFakeGradingAPI(t)
	svc := NewDownloadService(api.client(t), nil, testLogger())

	require.Equal(t, api.server.URL+"/out/job1.xlsx", svc.URL("/out/job1.xlsx"))
	require.Equal(t, "https://cdn.example.com/x.xlsx", svc.URL("https://cdn.example.com/x.xlsx"))
	require.False(t, svc.ArchiveEnabled())

	var buf bytes.Buffer
	written, err := svc.Stream(context.Background(), "/out/job1.xlsx", &buf)
	require.NoError(t, err)
	require.Equal(t, int64(len(testOutput)), written)
	require.Equal(t, testOutput, buf.Bytes())

	_, err = svc.Stream(context.Background(), " ", &buf)
	require.ErrorIs(t, err, ErrOutputLocationMissing)
}

func TestDownloadServiceSaveToDir(t *testing.T) {
	api := newFakeGradingAPI(t)
	svc := NewDownloadService(api.client(t), nil, testLogger())
	dir := filepath.Join(t.TempDir(), "downloads")

	path, err := svc.SaveToDir(context.Background(), "/out/job1.xlsx", dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "job1.xlsx"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, testOutput, content)
}

func TestDownloadServiceSaveRemovesPartialFile(t *testing.T) {
	api := newFakeGradingAPI(t)
	svc := NewDownloadService(api.client(t), nil, testLogger())
	dir := t.TempDir()

	_, err := svc.SaveToDir(context.Background(), "/missing/report.xlsx", dir)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "report.xlsx"))
	require.True(t, os.IsNotExist(statErr))
}

func TestDownloadServiceArchive(t *testing.T) {
	api := newFakeGradingAPI(t)
	archiver := &archiverStub{}
	svc := NewDownloadService(api.client(t), archiver, testLogger())
	require.True(t, svc.ArchiveEnabled())

	url, err := svc.Archive(context.Background(), "job1", "/out/job1.xlsx")
	require.NoError(t, err)
	require.Equal(t, "https://res.cloudinary.com/demo/raw/upload/job1-job1.xlsx", url)
	require.Equal(t, "job1", archiver.jobID)
	require.Equal(t, testOutput, archiver.payload)

	archiver.err = errors.New("quota exceeded")
	_, err = svc.Archive(context.Background(), "job1", "/out/job1.xlsx")
	require.Error(t, err)
}

func TestOutputFileName(t *testing.T) {
	require.Equal(t, "job1.xlsx", OutputFileName("/out/job1.xlsx"))
	require.Equal(t, "job1.xlsx", OutputFileName("http://localhost:3001/out/job1.xlsx?token=abc"))
	require.Equal(t, "graded-results.xlsx", OutputFileName(""))
	require.Equal(t, "graded-results.xlsx", OutputFileName("/"))
}

func TestDownloadServiceOpen(t *testing.T) {
	api := newFakeGradingAPI(t)
	svc := NewDownloadService(api.client(t), nil, testLogger())

	body, _, err := svc.Open(context.Background(), "/out/job1.xlsx")
	require.NoError(t, err)
	payload, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	require.Equal(t, testOutput, payload)

	_, _, err = svc.Open(context.Background(), "")
	require.ErrorIs(t, err, ErrOutputLocationMissing)
}
