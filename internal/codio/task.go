package codio

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Task is the status of an asynchronous export.
type Task struct {
	Done  bool   `json:"done"`
	Error string `json:"error"`
	URL   string `json:"url"`
}

type exportResponse struct {
	TaskURI string `json:"taskUri"`
}

// Export starts an export of one student's work on an assignment and
// returns the task URI to poll.
func (c *Client) Export(ctx context.Context, courseID, assignmentID, studentID string) (string, error) {
	c.log.Debug().
		Str("assignment", assignmentID).
		Str("student", studentID).
		Msg("requesting export")

	path := fmt.Sprintf("/courses/%s/assignments/%s/students/%s/download",
		url.PathEscape(courseID), url.PathEscape(assignmentID), url.PathEscape(studentID))

	var resp exportResponse
	if err := c.Request(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return "", fmt.Errorf("export student %s: %w", studentID, err)
	}
	if c.opts.DryRun {
		return "", nil
	}
	if resp.TaskURI == "" {
		return "", ErrNoTaskURI
	}
	return resp.TaskURI, nil
}

// WaitTask polls an export task until it finishes and returns the
// pre-signed archive URL. It gives up with ErrTaskTimeout once TaskTimeout
// has elapsed.
func (c *Client) WaitTask(ctx context.Context, taskURI string) (string, error) {
	if c.opts.DryRun {
		return "", nil
	}

	path := c.taskPath(taskURI)
	deadline := c.clock.Now().Add(c.opts.TaskTimeout)
	polls := 0

	for {
		if !c.clock.Now().Before(deadline) {
			return "", fmt.Errorf("%w: %s after %d polls", ErrTaskTimeout, taskURI, polls)
		}

		var task Task
		if err := c.Request(ctx, http.MethodGet, path, nil, nil, &task); err != nil {
			return "", fmt.Errorf("poll task %s: %w", taskURI, err)
		}
		polls++
		c.opts.Metrics.TaskPoll()

		if task.Done {
			if task.Error != "" {
				return "", fmt.Errorf("%w: %s", ErrTaskFailed, task.Error)
			}
			if task.URL == "" {
				return "", ErrNoDownloadURL
			}
			c.log.Debug().Str("task", taskURI).Int("polls", polls).Msg("export ready")
			return task.URL, nil
		}

		if err := c.clock.Sleep(ctx, c.opts.PollInterval); err != nil {
			return "", err
		}
	}
}

// taskPath strips BaseURL from a task URI so it is requested like any
// other path. URIs on a different host are requested as given.
func (c *Client) taskPath(taskURI string) string {
	if rest, ok := strings.CutPrefix(taskURI, c.opts.BaseURL); ok {
		return rest
	}
	return taskURI
}

// DownloadArchive exports one student's assignment, waits for the export,
// and streams the archive to dest. It returns the bytes written.
func (c *Client) DownloadArchive(ctx context.Context, courseID, assignmentID, studentID, dest string) (int64, error) {
	if c.opts.DryRun {
		c.log.Info().Str("student", studentID).Str("dest", dest).Msg("dry run: download suppressed")
		return 0, nil
	}

	taskURI, err := c.Export(ctx, courseID, assignmentID, studentID)
	if err != nil {
		return 0, err
	}
	archiveURL, err := c.WaitTask(ctx, taskURI)
	if err != nil {
		return 0, err
	}

	c.log.Debug().Str("student", studentID).Str("dest", dest).Msg("downloading archive")
	n, err := c.downloads.Download(ctx, archiveURL, dest)
	if err != nil {
		return 0, fmt.Errorf("fetch archive for student %s: %w", studentID, err)
	}
	return n, nil
}
