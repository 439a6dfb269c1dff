// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/target-s3-json/config"
)

func TestRunLocalMode(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "aws-config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "aws-credentials"))
	t.Setenv("OTEL_SERVICE_NAME", "")

	workDir := filepath.Join(dir, "work")
	cfgPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{
		"s3_bucket": "bucket",
		"aws_access_key_id": "AKIA",
		"aws_secret_access_key": "secret",
		"aws_region": "us-east-1",
		"local": true,
		"work_dir": "`+filepath.ToSlash(workDir)+`",
		"path_template": "{stream}.json"
	}`), 0o600))

	input := strings.Join([]string{
		`{"type":"SCHEMA","stream":"users","schema":{}}`,
		`{"type":"RECORD","stream":"users","record":{"id":1}}`,
		`{"type":"STATE","value":{"bookmark":1}}`,
	}, "\n") + "\n"

	var out, logs bytes.Buffer
	require.NoError(t, run(context.Background(), cfgPath, strings.NewReader(input), &out, &logs))

	assert.Equal(t, "{\"bookmark\":1}\n", out.String())
	assert.FileExists(t, filepath.Join(workDir, "users.json"))
	assert.Contains(t, logs.String(), "Segment complete")
	assert.Contains(t, logs.String(), "streams=1")
	assert.Contains(t, logs.String(), "auth=static")
}

func TestRunMissingBucket(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{}`), 0o600))

	var out, logs bytes.Buffer
	err := run(context.Background(), cfgPath, strings.NewReader(""), &out, &logs)
	require.ErrorIs(t, err, config.ErrMissingSetting)
	assert.Empty(t, out.String())
}

func TestRootRequiresConfigFlag(t *testing.T) {
	flag := rootCmd.Flags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
	assert.Equal(t, []string{"true"}, flag.Annotations["cobra_annotation_bash_completion_one_required_flag"])
}
