// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"time"

	"github.com/reflectivelabs/iconworks/core/icon"
)

// dbJob is the database serialisable type for an icon job.
type dbJob struct {
	ID         string    `db:"id"`
	SourceText string    `db:"source_text"`
	Status     string    `db:"status"`
	URL        string    `db:"url"`
	Error      string    `db:"error"`
	Bypass     bool      `db:"bypass"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (j dbJob) toCore() icon.Job {
	return icon.Job{
		ID:         j.ID,
		SourceText: j.SourceText,
		Status:     icon.Status(j.Status),
		URL:        j.URL,
		Error:      j.Error,
		Bypass:     j.Bypass,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}

// dbPrompt is the database serialisable type for a prompt template.
type dbPrompt struct {
	ID        string    `db:"id"`
	Category  string    `db:"category"`
	Template  string    `db:"template"`
	Version   int       `db:"version"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

// PromptTemplate is a versioned prompt template. At most one template
// per category is active at a time.
type PromptTemplate struct {
	ID        string
	Category  string
	Template  string
	Version   int
	Active    bool
	CreatedAt time.Time
}

func (p dbPrompt) toCore() PromptTemplate {
	return PromptTemplate{
		ID:        p.ID,
		Category:  p.Category,
		Template:  p.Template,
		Version:   p.Version,
		Active:    p.Active,
		CreatedAt: p.CreatedAt,
	}
}
