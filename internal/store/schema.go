package store

// schemaSQL creates every table the Postgres store uses. Record bodies are
// JSONB; the columns beside them exist for lookups and operator queries.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS protocol_state (
    key         UUID PRIMARY KEY,
    version     BIGINT NOT NULL,
    paused      BOOLEAN NOT NULL,
    data        JSONB NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS markets (
    key           UUID PRIMARY KEY,
    market_index  INTEGER NOT NULL UNIQUE,
    external_id   TEXT NOT NULL,
    status        TEXT NOT NULL,
    version       BIGINT NOT NULL,
    data          JSONB NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS users (
    key         UUID PRIMARY KEY,
    authority   TEXT NOT NULL UNIQUE,
    collateral  NUMERIC NOT NULL,
    status      TEXT NOT NULL,
    version     BIGINT NOT NULL,
    data        JSONB NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS market_admissions (
    key           UUID PRIMARY KEY,
    external_id   TEXT NOT NULL UNIQUE,
    market_index  INTEGER NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS fills (
    seq               BIGSERIAL PRIMARY KEY,
    id                UUID NOT NULL UNIQUE,
    market_index      INTEGER NOT NULL,
    user_authority    TEXT NOT NULL,
    filler            TEXT NOT NULL,
    order_id          BIGINT NOT NULL,
    kind              TEXT NOT NULL,
    direction         TEXT NOT NULL,
    base_amount       NUMERIC NOT NULL,
    quote_amount      NUMERIC NOT NULL,
    price             NUMERIC NOT NULL,
    fee               NUMERIC NOT NULL,
    realized_pnl      NUMERIC NOT NULL,
    mark_price_after  NUMERIC NOT NULL,
    ts                BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_market ON fills(market_index, seq);
CREATE INDEX IF NOT EXISTS idx_fills_user ON fills(user_authority, seq);
`
