// Package jobs describes post-processing work for a finished recording
// session and persists work deferred for a later manual run.
package jobs

import (
	"path/filepath"
	"time"
)

// DefaultExt is used when neither source path carries an extension.
const DefaultExt = ".mkv"

// Job is the post-processing work for one recording session. Destination
// paths are fixed when the job is created.
type Job struct {
	ID              string    `json:"id"`
	ReplaySource    string    `json:"replay_source,omitempty"`
	RecordingSource string    `json:"recording_source,omitempty"`
	OutputDir       string    `json:"output_dir"`
	BaseName        string    `json:"base_name"`
	Ext             string    `json:"ext"`
	CreatedAt       time.Time `json:"created_at"`
}

// New builds a job. The extension comes from the replay file, then the
// recording file, then DefaultExt.
func New(id, replaySource, recordingSource, outputDir, baseName string, createdAt time.Time) Job {
	ext := filepath.Ext(replaySource)
	if ext == "" {
		ext = filepath.Ext(recordingSource)
	}
	if ext == "" {
		ext = DefaultExt
	}
	return Job{
		ID:              id,
		ReplaySource:    replaySource,
		RecordingSource: recordingSource,
		OutputDir:       outputDir,
		BaseName:        baseName,
		Ext:             ext,
		CreatedAt:       createdAt,
	}
}

// ReplayPath is where the replay buffer clip is moved to.
func (j Job) ReplayPath() string {
	return filepath.Join(j.OutputDir, j.BaseName+"_replay"+j.Ext)
}

// RecordingPath is where the main recording is moved to.
func (j Job) RecordingPath() string {
	return filepath.Join(j.OutputDir, j.BaseName+"_recording"+j.Ext)
}

// ConcatenatedPath is the joined output.
func (j Job) ConcatenatedPath() string {
	return filepath.Join(j.OutputDir, j.BaseName+"_concatenated"+j.Ext)
}
