// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

const schema = `
CREATE TABLE IF NOT EXISTS icon_job (
    id          TEXT PRIMARY KEY,
    source_text TEXT NOT NULL,
    status      TEXT NOT NULL,
    url         TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    bypass      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMP NOT NULL,
    updated_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_icon_job_status ON icon_job (status, bypass);

CREATE TABLE IF NOT EXISTS prompt_template (
    id         TEXT PRIMARY KEY,
    category   TEXT NOT NULL,
    template   TEXT NOT NULL,
    version    INTEGER NOT NULL,
    active     BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_prompt_template_category ON prompt_template (category, active);
`
