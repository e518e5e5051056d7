package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tripstudy/internal/engine"
	"github.com/roach88/tripstudy/internal/filelog"
	"github.com/roach88/tripstudy/internal/study"
)

// writeStudyConfig writes a config file pointing at a fresh store and
// returns its path together with the store location.
func writeStudyConfig(t *testing.T, backend string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data")
	if backend == "sqlite" {
		dataPath = filepath.Join(dir, "study.db")
	}
	content := fmt.Sprintf("storage:\n  backend: %s\n  path: %s\nlog:\n  level: error\n", backend, dataPath)
	path := filepath.Join(dir, "tripstudy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, dataPath
}

func execute(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestAssign_Text(t *testing.T) {
	cfg, _ := writeStudyConfig(t, "files")

	code, out, errOut := execute(t, "assign", "P1", "--config", cfg)
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "New assignment for P1")
	assert.Contains(t, out, "Condition order: 0 [0 1 2 3 4]")
	assert.Contains(t, out, "Trial order row: 0")
	assert.Contains(t, out, "Next: BlockIntro(1,0)")

	code, out, errOut = execute(t, "assign", "P1", "--config", cfg)
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "Existing assignment for P1")
}

func TestAssign_JSON(t *testing.T) {
	for _, backend := range []string{"files", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			cfg, _ := writeStudyConfig(t, backend)

			code, _, errOut := execute(t, "assign", "P1", "--config", cfg)
			require.Equal(t, ExitSuccess, code, errOut)

			code, out, errOut := execute(t, "assign", "P2", "--config", cfg, "--format", "json")
			require.Equal(t, ExitSuccess, code, errOut)

			var resp struct {
				Status string       `json:"status"`
				Data   AssignResult `json:"data"`
			}
			require.NoError(t, json.Unmarshal([]byte(out), &resp))
			assert.Equal(t, "ok", resp.Status)
			assert.True(t, resp.Data.Created)
			assert.Equal(t, "P2", resp.Data.Assignment.ParticipantID)
			assert.Equal(t, 1, resp.Data.Assignment.ConditionOrderIndex)
			assert.Equal(t, 1, resp.Data.Assignment.TrialOrderIndex)
			assert.Equal(t, []int{1, 2, 3, 4, 0}, resp.Data.Conditions)
			assert.Equal(t, engine.BlockIntroStep(1, 0), resp.Data.Next)
		})
	}
}

func TestAssign_RejectedID(t *testing.T) {
	cfg, _ := writeStudyConfig(t, "files")

	code, out, errOut := execute(t, "assign", "robots.txt", "--config", cfg)
	assert.Equal(t, ExitCommandError, code)
	assert.Empty(t, out)
	assert.Contains(t, errOut, "Error [NOT_FOUND]")
}

func TestProgress_UnknownParticipant(t *testing.T) {
	cfg, _ := writeStudyConfig(t, "files")

	code, _, errOut := execute(t, "progress", "ghost", "--config", cfg, "--format", "json")
	assert.Equal(t, ExitCommandError, code)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(errOut), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestProgress_AfterFirstBlock(t *testing.T) {
	cfg, dataPath := writeStudyConfig(t, "files")
	walkFirstBlock(t, dataPath, "P1")

	code, out, errOut := execute(t, "progress", "P1", "--config", cfg)
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "Participant P1")
	assert.Contains(t, out, "Recorded trials: 10/50")
	assert.Contains(t, out, "Block 1 (condition 0): 10/10 trials, reflection pending")
	assert.Contains(t, out, "Block 2 (condition 1): 0/10 trials, reflection pending")
	assert.Contains(t, out, "Next: Reflection(0)")

	code, out, errOut = execute(t, "progress", "P1", "--config", cfg, "--format", "json")
	require.Equal(t, ExitSuccess, code, errOut)

	var resp struct {
		Data ProgressResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 10, resp.Data.Progress.NextTrial)
	assert.Equal(t, 10, resp.Data.Progress.RecordedTrials)
	assert.Equal(t, engine.ReflectionStep(0), resp.Data.Next)
}

func TestStats(t *testing.T) {
	cfg, _ := writeStudyConfig(t, "sqlite")
	for _, pid := range []string{"P1", "P2", "P3"} {
		code, _, errOut := execute(t, "assign", pid, "--config", cfg)
		require.Equal(t, ExitSuccess, code, errOut)
	}

	code, out, errOut := execute(t, "stats", "--config", cfg)
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "Participants: 3")
	assert.Contains(t, out, "Condition orders: [1 1 1 0 0]")

	code, out, errOut = execute(t, "stats", "--config", cfg, "--format", "json")
	require.Equal(t, ExitSuccess, code, errOut)

	var resp struct {
		Data study.Stats `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 3, resp.Data.TotalParticipants)
	assert.Equal(t, [study.NumConditions]int{1, 1, 1, 0, 0}, resp.Data.ConditionOrderCounts)
}

func TestReplay_Empty(t *testing.T) {
	cfg, _ := writeStudyConfig(t, "files")

	code, out, errOut := execute(t, "replay", "--config", cfg)
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "No participants found.")
}

func TestReplay_Deterministic(t *testing.T) {
	cfg, dataPath := writeStudyConfig(t, "files")
	walkFirstBlock(t, dataPath, "P1")
	code, _, errOut := execute(t, "assign", "P2", "--config", cfg)
	require.Equal(t, ExitSuccess, code, errOut)

	code, out, errOut := execute(t, "replay", "--config", cfg)
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "Replay Summary: 2 participant(s)")
	assert.Contains(t, out, "✓ P1: 10 trials, 0 reflections, next Reflection(0)")
	assert.Contains(t, out, "✓ P2: 0 trials, 0 reflections, next BlockIntro(1,0)")
	assert.Contains(t, out, "✓ All participants reconstructed deterministically")

	code, out, errOut = execute(t, "replay", "--config", cfg, "--participant", "P1", "--format", "json")
	require.Equal(t, ExitSuccess, code, errOut)

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.AllDeterministic)
	require.Len(t, resp.Data.Participants, 1)
	assert.Equal(t, 10, resp.Data.Participants[0].NextTrial)
	assert.Equal(t, "Reflection(0)", resp.Data.Participants[0].Next)
}

func TestReplay_UnknownParticipant(t *testing.T) {
	cfg, _ := writeStudyConfig(t, "files")

	code, _, errOut := execute(t, "replay", "--config", cfg, "--participant", "ghost")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, errOut, "Error [NOT_FOUND]")
}

func TestExecute_InvalidFormat(t *testing.T) {
	code, _, errOut := execute(t, "stats", "--format", "yaml")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, errOut, `invalid format "yaml"`)
}

func TestExecute_MissingConfig(t *testing.T) {
	code, _, errOut := execute(t, "stats", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, errOut, "failed to load config")
}

// walkFirstBlock assigns pid and records the ten trials of its first block
// directly through a controller over the file store at dataPath.
func walkFirstBlock(t *testing.T, dataPath, pid string) {
	t.Helper()
	ctx := context.Background()
	st, err := filelog.Open(dataPath)
	require.NoError(t, err)
	defer st.Close()

	ctrl, err := engine.New(st, engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	_, _, err = ctrl.Assign(ctx, pid)
	require.NoError(t, err)
	for n := 0; n < study.TrialsPerCondition; n++ {
		_, err := ctrl.RecordChoice(ctx, engine.TrialSubmission{
			ParticipantID:      pid,
			OverallTrialNumber: n,
			Choice:             study.ChoiceWalking,
		})
		require.NoError(t, err)
	}
}
