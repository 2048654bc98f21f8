// SPDX-License-Identifier: MIT

package executor

import "path/filepath"

// On-disk layout per job, rooted at the configured work directory:
//
//	<root>/<runID>/<slug>/workspace/     command cwd, artifact globs walk this
//	<root>/<runID>/<slug>/job.log        phase banners and command output
//	<root>/<runID>/<slug>/manifest.json  resolved package manifest
//	<root>/<runID>/<slug>/result.json    final job record
//
// Run and job IDs are daemon-generated and slugs are sanitized, so plain
// joins are safe here. Handlers resolving IDs from requests must confine
// them before touching disk.

// RunDir returns the directory holding all job directories of a run.
func RunDir(root, runID string) string {
	return filepath.Join(root, runID)
}

// JobDir returns the per-job directory.
func JobDir(root, runID, slug string) string {
	return filepath.Join(root, runID, slug)
}

// WorkspaceDir returns the command's working directory.
func WorkspaceDir(root, runID, slug string) string {
	return filepath.Join(JobDir(root, runID, slug), "workspace")
}

// LogPath returns the job's log file.
func LogPath(root, runID, slug string) string {
	return filepath.Join(JobDir(root, runID, slug), "job.log")
}

// ManifestPath returns the job's package manifest file.
func ManifestPath(root, runID, slug string) string {
	return filepath.Join(JobDir(root, runID, slug), "manifest.json")
}

// ResultPath returns the job's final record file.
func ResultPath(root, runID, slug string) string {
	return filepath.Join(JobDir(root, runID, slug), "result.json")
}
