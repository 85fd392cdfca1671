package cloudinary

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBuildPublicID(t *testing.T) {
	cases := map[string]struct {
		jobID    string
		fileName string
		want     string
	}{
		"job and file":   {jobID: "job1", fileName: "graded results.XLSX", want: "job1-graded-results.xlsx"},
		"keeps csv":      {jobID: "job/2", fileName: "out.csv", want: "job-2-out.csv"},
		"no file":        {jobID: "job3", fileName: "", want: "job3.xlsx"},
		"no job":         {jobID: "", fileName: "essays.xlsx", want: "essays.xlsx"},
		"nothing usable": {jobID: "///", fileName: "???", want: "grading-output.xlsx"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, BuildPublicID(tc.jobID, tc.fileName))
		})
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{CloudName: "demo"}, zerolog.Nop())
	require.Error(t, err)

	archiver, err := New(Config{CloudName: "demo", APIKey: "key", APISecret: "secret", Folder: "gema/grading"}, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, archiver)
}
