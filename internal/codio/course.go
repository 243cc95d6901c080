package codio

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Course is a course with its assignments grouped in modules.
type Course struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Modules []Module `json:"modules"`
}

// Module groups assignments inside a course.
type Module struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Assignments []Assignment `json:"assignments"`
}

// Assignment is one assignment in a course.
type Assignment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Student is a student enrolled in a course.
type Student struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// FindAssignment returns the first assignment whose name matches name,
// ignoring case.
func (c *Course) FindAssignment(name string) (Assignment, bool) {
	want := strings.TrimSpace(name)
	for _, m := range c.Modules {
		for _, a := range m.Assignments {
			if strings.EqualFold(strings.TrimSpace(a.Name), want) {
				return a, true
			}
		}
	}
	return Assignment{}, false
}

// Course fetches a course including hidden assignments.
func (c *Client) Course(ctx context.Context, courseID string) (*Course, error) {
	c.log.Info().Str("course", courseID).Msg("fetching course")

	q := url.Values{}
	q.Set("withHiddenAssignments", "true")

	var course Course
	if err := c.Request(ctx, http.MethodGet, "/courses/"+url.PathEscape(courseID), q, nil, &course); err != nil {
		return nil, fmt.Errorf("get course %s: %w", courseID, err)
	}
	if course.ID == "" {
		course.ID = courseID
	}
	return &course, nil
}

// Students lists the students enrolled in a course.
func (c *Client) Students(ctx context.Context, courseID string) ([]Student, error) {
	c.log.Info().Str("course", courseID).Msg("fetching students")

	var students []Student
	if err := c.Request(ctx, http.MethodGet, "/courses/"+url.PathEscape(courseID)+"/students", nil, nil, &students); err != nil {
		return nil, fmt.Errorf("list students of %s: %w", courseID, err)
	}
	return students, nil
}

// FindAssignment fetches a course and resolves an assignment by name.
func (c *Client) FindAssignment(ctx context.Context, courseID, name string) (*Course, Assignment, error) {
	course, err := c.Course(ctx, courseID)
	if err != nil {
		return nil, Assignment{}, err
	}
	a, ok := course.FindAssignment(name)
	if !ok {
		return course, Assignment{}, fmt.Errorf("%w: %q in course %s", ErrAssignmentNotFound, name, courseID)
	}
	return course, a, nil
}
