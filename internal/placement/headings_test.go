package placement

import (
	"strings"
	"testing"
)

func TestPromoteHeadings(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "title case line between blanks",
			input:    "Intro text.\n\nCourse Information\n\nDetails follow.",
			expected: "Intro text.\n\n## Course Information\n\nDetails follow.",
		},
		{
			name:     "all caps title",
			input:    "INTRODUCTION\n\nThis chapter covers the basics.",
			expected: "## INTRODUCTION\n\nThis chapter covers the basics.",
		},
		{
			name:     "bold title unwrapped",
			input:    "**Important Section**\n\nThis section is crucial.",
			expected: "## Important Section\n\nThis section is crucial.",
		},
		{
			name:     "lowercase connective stays prose",
			input:    "The Roots of Modern Canada\n\nCourse content here.",
			expected: "The Roots of Modern Canada\n\nCourse content here.",
		},
		{
			name:     "colon line stays prose",
			input:    "Email: someone@example.com\n\nBody.",
			expected: "Email: someone@example.com\n\nBody.",
		},
		{
			name:     "honorific with periods stays prose",
			input:    "Prof. Dr. Donald Ipperciel\n\nBody.",
			expected: "Prof. Dr. Donald Ipperciel\n\nBody.",
		},
		{
			name:     "url stays prose",
			input:    "https://example.com/page\n\nBody.",
			expected: "https://example.com/page\n\nBody.",
		},
		{
			name:     "existing heading untouched",
			input:    "# Already A Heading\n\nBody.",
			expected: "# Already A Heading\n\nBody.",
		},
		{
			name:     "line inside paragraph untouched",
			input:    "Some prose here\nCourse Information\nmore prose",
			expected: "Some prose here\nCourse Information\nmore prose",
		},
		{
			name:     "digits stay prose",
			input:    "Fall 2024 Semester\n\nBody.",
			expected: "Fall 2024 Semester\n\nBody.",
		},
		{
			name:     "sentence stays prose",
			input:    "This document outlines the key findings.\n\nBody.",
			expected: "This document outlines the key findings.\n\nBody.",
		},
		{
			name:     "empty input",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PromoteHeadings(tt.input)
			if got != tt.expected {
				t.Errorf("PromoteHeadings() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestPromoteHeadingsSyllabusSample(t *testing.T) {
	input := strings.Join([]string{
		"# HUMA 1740",
		"",
		"The Roots of Modern Canada",
		"",
		"Prof. Dr. Donald Ipperciel",
		"",
		"Course Information",
		"",
		"Course Director: Prof. Dr. Donald Ipperciel",
		"",
		"Email: donald.ipperciel@yorku.ca",
		"",
		"Course Description",
		"",
		"This course explores the ideas and events that shaped Canada.",
		"",
		"Learning Outcomes",
		"",
		"To better understand current Canadian issues and debates",
	}, "\n")

	got := PromoteHeadings(input)

	for _, want := range []string{"## Course Information", "## Course Description", "## Learning Outcomes"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in output", want)
		}
	}
	for _, stay := range []string{
		"\nThe Roots of Modern Canada\n",
		"\nProf. Dr. Donald Ipperciel\n",
		"\nCourse Director: Prof. Dr. Donald Ipperciel\n",
		"\nEmail: donald.ipperciel@yorku.ca\n",
	} {
		if !strings.Contains(got, stay) {
			t.Errorf("expected %q to stay unpromoted", strings.TrimSpace(stay))
		}
	}
}

func TestPromoteHeadingsIdempotent(t *testing.T) {
	input := "Course Information\n\nDetails follow."

	once := PromoteHeadings(input)
	twice := PromoteHeadings(once)
	if once != twice {
		t.Errorf("second pass changed output: %q vs %q", once, twice)
	}
}
