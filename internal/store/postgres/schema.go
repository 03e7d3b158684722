package postgres

// Schema is the full DDL for a herald database. cmd/migrate applies it; the
// statements are idempotent so re-running a migration is safe.
const Schema = `
CREATE TABLE IF NOT EXISTS notification_jobs (
    id                   UUID PRIMARY KEY,
    tenant_id            TEXT NOT NULL,
    job_type             TEXT NOT NULL,
    site_id              TEXT NOT NULL DEFAULT '',
    reference_id         TEXT NOT NULL DEFAULT '',
    channel              TEXT NOT NULL,
    provider             TEXT NOT NULL,
    status               TEXT NOT NULL DEFAULT 'PENDING',
    total_count          INT  NOT NULL DEFAULT 0,
    sent_count           INT  NOT NULL DEFAULT 0,
    delivered_count      INT  NOT NULL DEFAULT 0,
    failed_count         INT  NOT NULL DEFAULT 0,
    skipped_count        INT  NOT NULL DEFAULT 0,
    max_attempts         INT  NOT NULL DEFAULT 5,
    backoff_base_seconds INT  NOT NULL DEFAULT 60,
    scheduled_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at           TIMESTAMPTZ,
    error_summary        TEXT NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON notification_jobs (tenant_id, created_at);

CREATE TABLE IF NOT EXISTS outbox_messages (
    id                  UUID PRIMARY KEY,
    tenant_id           TEXT NOT NULL,
    job_id              UUID,
    recipient           TEXT NOT NULL,
    channel             TEXT NOT NULL,
    provider            TEXT NOT NULL,
    template_key        TEXT NOT NULL DEFAULT '',
    template_version    TEXT NOT NULL DEFAULT '',
    template_params     JSONB,
    dedup_key           TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL DEFAULT 'PENDING',
    attempt_count       INT  NOT NULL DEFAULT 0,
    max_attempts        INT  NOT NULL DEFAULT 5,
    next_attempt_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    locked_by           TEXT NOT NULL DEFAULT '',
    locked_at           TIMESTAMPTZ,
    lease_expires_at    TIMESTAMPTZ,
    provider_message_id TEXT NOT NULL DEFAULT '',
    last_error_code     TEXT NOT NULL DEFAULT '',
    last_error_at       TIMESTAMPTZ,
    delivered_at        TIMESTAMPTZ,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- One live message per logical identity. Terminal rows release the key.
CREATE UNIQUE INDEX IF NOT EXISTS uq_outbox_live_dedup
    ON outbox_messages (tenant_id, dedup_key)
    WHERE dedup_key <> ''
      AND status IN ('PENDING', 'SENDING', 'RETRYING', 'SENT');

CREATE INDEX IF NOT EXISTS idx_outbox_claimable
    ON outbox_messages (tenant_id, next_attempt_at)
    WHERE status IN ('PENDING', 'RETRYING');

CREATE INDEX IF NOT EXISTS idx_outbox_job ON outbox_messages (tenant_id, job_id);

CREATE INDEX IF NOT EXISTS idx_outbox_provider_msg
    ON outbox_messages (tenant_id, provider, provider_message_id)
    WHERE provider_message_id <> '';

CREATE TABLE IF NOT EXISTS delivery_log (
    id          UUID PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    message_id  UUID NOT NULL,
    kind        TEXT NOT NULL,
    attempt     INT  NOT NULL DEFAULT 0,
    status      TEXT NOT NULL,
    error_code  TEXT NOT NULL DEFAULT '',
    detail      TEXT NOT NULL DEFAULT '',
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_delivery_log_message
    ON delivery_log (tenant_id, message_id, recorded_at);

CREATE TABLE IF NOT EXISTS webhook_events (
    provider            TEXT NOT NULL,
    provider_event_id   TEXT NOT NULL,
    tenant_id           TEXT NOT NULL,
    event_type          TEXT NOT NULL,
    provider_message_id TEXT NOT NULL DEFAULT '',
    occurred_at         TIMESTAMPTZ NOT NULL,
    received_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (provider, provider_event_id)
);

CREATE TABLE IF NOT EXISTS rate_limit_buckets (
    tenant_id        TEXT NOT NULL,
    provider         TEXT NOT NULL,
    tokens_remaining DOUBLE PRECISION NOT NULL,
    max_tokens       DOUBLE PRECISION NOT NULL,
    refill_rate      DOUBLE PRECISION NOT NULL,
    last_refill_at   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tenant_id, provider)
);
`
