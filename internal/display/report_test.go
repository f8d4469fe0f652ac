package display

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/batmantechnologies/databasetool/internal/orchestrator"
	"github.com/batmantechnologies/databasetool/internal/restore"
	"github.com/batmantechnologies/databasetool/internal/sequence"
)

func sampleBatch() *orchestrator.BatchResult {
	prev := int64(1)
	repair := &sequence.Report{
		Schema: "public",
		Outcomes: []sequence.Outcome{
			{
				Descriptor:   sequence.Descriptor{Schema: "public", SequenceName: "otp_id_seq", TableName: "otp", ColumnName: "id", Origin: sequence.OriginDiscovered},
				PreviousNext: &prev,
				NewValue:     4,
				Status:       sequence.StatusRepaired,
			},
			{
				Descriptor: sequence.Descriptor{Schema: "public", SequenceName: "user_id_seq", TableName: "user", ColumnName: "id", Origin: sequence.OriginFallback},
				Status:     sequence.StatusSkippedMissingTable,
			},
		},
		Discovered: 1,
		Elapsed:    40 * time.Millisecond,
	}
	return &orchestrator.BatchResult{
		ID:       uuid.MustParse("0d6b7f4c-2f43-4a4e-9b5d-7c1f7b0a9e11"),
		Mode:     orchestrator.ModeRestore,
		Started:  time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Duration: 3 * time.Second,
		Jobs: []orchestrator.JobResult{
			{
				DatabaseName: "shop",
				TargetName:   "shop_dev",
				Phase:        orchestrator.ModeRestore,
				Outcome:      orchestrator.OutcomeSuccess,
				Repair:       repair,
				Artifact:     &restore.ArtifactRef{Path: "/backups/shop", Location: restore.Local},
				Warnings:     []string{"table \"orders\" has 3 rows, expected 4"},
				Duration:     1200 * time.Millisecond,
			},
			{
				DatabaseName: "billing",
				TargetName:   "billing_dev",
				Phase:        orchestrator.ModeRestore,
				Outcome:      orchestrator.OutcomeFailure,
				Reason:       "artifact not found: /backups/billing",
				Err:          errors.New("artifact not found: /backups/billing"),
				Duration:     2 * time.Millisecond,
			},
		},
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatTable, "table": FormatTable, "JSON": FormatJSON, "yaml": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("compact")
	assert.Error(t, err)
}

func TestBatchTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatTable, nil).Batch(sampleBatch()))
	out := buf.String()

	assert.Contains(t, out, "RESTORE 2026-03-14T09:00:00Z (batch 0d6b7f4c-2f43-4a4e-9b5d-7c1f7b0a9e11)")
	assert.Contains(t, out, "| shop     | shop_dev    | success |        1 |       1 |      0 |        1 | 1.2s     |")
	assert.Contains(t, out, "| billing  | billing_dev | failure |        0 |       0 |      0 |        0 | 2ms      |")
	assert.Contains(t, out, "warning shop: table \"orders\" has 3 rows, expected 4")
	assert.Contains(t, out, "failed billing: artifact not found: /backups/billing")
	assert.True(t, strings.HasSuffix(out, "2 job(s): 1 succeeded, 1 failed in 3s\n"), out)
	assert.NotContains(t, out, "\x1b[")
}

func TestBatchTableColoured(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatTable, NewPalette(true)).Batch(sampleBatch()))
	assert.Contains(t, buf.String(), "\x1b[")
}

func TestBatchBackupListsArchives(t *testing.T) {
	b := &orchestrator.BatchResult{
		Mode: orchestrator.ModeBackup,
		Jobs: []orchestrator.JobResult{{
			DatabaseName: "shop",
			Phase:        orchestrator.ModeBackup,
			Outcome:      orchestrator.OutcomeSuccess,
			Artifact:     &restore.ArtifactRef{Path: "s3://bk/database_backups/shop_2026-03-14_09-00-00.tar.gz", Location: restore.Remote},
		}},
	}
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatTable, nil).Batch(b))
	assert.Contains(t, buf.String(), "| shop     | -      |")
	assert.Contains(t, buf.String(), "shop -> s3://bk/database_backups/shop_2026-03-14_09-00-00.tar.gz")
}

func TestBatchJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatJSON, nil).Batch(sampleBatch()))

	var decoded struct {
		ID   string `json:"id"`
		Mode string `json:"mode"`
		Jobs []struct {
			Database string `json:"database"`
			Outcome  string `json:"outcome"`
			Reason   string `json:"reason"`
			Repair   *struct {
				Outcomes []struct {
					Status   string `json:"status"`
					NewValue int64  `json:"new_value"`
				} `json:"outcomes"`
			} `json:"repair"`
		} `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "restore", decoded.Mode)
	require.Len(t, decoded.Jobs, 2)
	assert.Equal(t, "failure", decoded.Jobs[1].Outcome)
	assert.Equal(t, "artifact not found: /backups/billing", decoded.Jobs[1].Reason)
	require.NotNil(t, decoded.Jobs[0].Repair)
	assert.Equal(t, int64(4), decoded.Jobs[0].Repair.Outcomes[0].NewValue)
	assert.NotContains(t, buf.String(), "\"Err\"")
}

func TestBatchYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatYAML, nil).Batch(sampleBatch()))

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "0d6b7f4c-2f43-4a4e-9b5d-7c1f7b0a9e11", decoded["id"])
	jobs, ok := decoded["jobs"].([]interface{})
	require.True(t, ok)
	assert.Len(t, jobs, 2)
}

func TestRepairTable(t *testing.T) {
	rep := sampleBatch().Jobs[0].Repair
	rep.TimedOutEarly = true
	rep.Discovered = 3

	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatTable, nil).Repair(rep))
	out := buf.String()

	assert.Contains(t, out, "| public.otp_id_seq  | otp.id  | discovered |        1 |   4 | repaired              |")
	assert.Contains(t, out, "| public.user_id_seq | user.id | fallback   |        - |   - | skipped_missing_table |")
	assert.Contains(t, out, "time budget exhausted after 2 of 3 sequences")
	assert.Contains(t, out, "schema public: 1 repaired, 1 skipped, 0 failed in 40ms")
}

func TestRepairNil(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatTable, nil).Repair(nil))
	assert.Equal(t, "no sequence repair was run\n", buf.String())
}

func TestValueFallsBackToYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatTable, nil).Value(map[string]string{"schema": "public"}))
	assert.Equal(t, "schema: public\n", buf.String())
}
