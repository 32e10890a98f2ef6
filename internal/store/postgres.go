package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/atriaconnect/courier/internal/message"
)

// PostgresConfig holds connection parameters for the durable archive.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Postgres archives message and campaign records in Postgres via pgx.
// Field groups that the engine never queries on are stored as JSONB.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres connects a pool and verifies it with a ping.
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Database, cfg.SSLMode,
	)
	if cfg.Password != "" {
		dsn += " password=" + cfg.Password
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("message archive connected",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)
	return &Postgres{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping reports connectivity, used by the state endpoint.
// Stat exposes pool statistics for gauge reporting.
func (p *Postgres) Stat() *pgxpool.Stat {
	return p.pool.Stat()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

type messageRecord struct {
	Recipient  message.Recipient  `json:"recipient"`
	Content    message.Content    `json:"content"`
	Options    message.Options    `json:"options"`
	Context    message.Context    `json:"context"`
	Timestamps message.Timestamps `json:"timestamps"`
	Metrics    message.Metrics    `json:"metrics"`
	Result     message.Result     `json:"result"`
}

// SaveMessage upserts one message row.
func (p *Postgres) SaveMessage(ctx context.Context, msg *message.Message) error {
	record, err := json.Marshal(messageRecord{
		Recipient:  msg.Recipient,
		Content:    msg.Content,
		Options:    msg.Options,
		Context:    msg.Context,
		Timestamps: msg.Timestamps,
		Metrics:    msg.Metrics,
		Result:     msg.Result,
	})
	if err != nil {
		return fmt.Errorf("marshal message record: %w", err)
	}

	query := `
		INSERT INTO messages (
			id, channel, status, patient_id, campaign_id, provider_id, created_at, record
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			channel = EXCLUDED.channel,
			status = EXCLUDED.status,
			provider_id = EXCLUDED.provider_id,
			record = EXCLUDED.record,
			updated_at = now()
	`
	_, err = p.pool.Exec(ctx, query,
		msg.ID,
		string(msg.Channel),
		string(msg.Status),
		msg.Recipient.PatientID,
		msg.Context.CampaignID,
		msg.Result.ProviderID,
		msg.Timestamps.Created,
		record,
	)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

func (p *Postgres) Message(ctx context.Context, id uuid.UUID) (*message.Message, error) {
	query := `SELECT id, channel, status, record FROM messages WHERE id = $1`
	return p.scanMessage(p.pool.QueryRow(ctx, query, id))
}

func (p *Postgres) MessageByProviderID(ctx context.Context, providerID string) (*message.Message, error) {
	query := `SELECT id, channel, status, record FROM messages WHERE provider_id = $1`
	return p.scanMessage(p.pool.QueryRow(ctx, query, providerID))
}

// listPageSize bounds a single listing query; unlimited filters page
// through with a keyset cursor so analytics reads see every row.
const listPageSize = 1000

func (p *Postgres) ListMessages(ctx context.Context, f message.Filter) ([]*message.Message, error) {
	query := `
		SELECT id, channel, status, record FROM messages
		WHERE ($1 = '' OR channel = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR patient_id = $3)
		  AND ($4 = '' OR campaign_id = $4)
		  AND ($5::timestamptz IS NULL OR created_at >= $5)
		  AND ($6::timestamptz IS NULL OR created_at < $6)
		  AND ($7::timestamptz IS NULL OR (created_at, id) < ($7, $8))
		ORDER BY created_at DESC, id DESC
		LIMIT $9
	`

	var (
		out      []*message.Message
		cursorAt *time.Time
		cursorID uuid.UUID
	)
	for {
		limit := listPageSize
		if f.Limit > 0 && f.Limit-len(out) < limit {
			limit = f.Limit - len(out)
		}

		rows, err := p.pool.Query(ctx, query,
			string(f.Channel), string(f.Status), f.PatientID, f.CampaignID,
			nullTime(f.From), nullTime(f.To), cursorAt, cursorID, limit,
		)
		if err != nil {
			return nil, fmt.Errorf("query messages: %w", err)
		}

		n := 0
		for rows.Next() {
			msg, err := p.scanMessage(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, msg)
			n++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		if n < limit || (f.Limit > 0 && len(out) >= f.Limit) {
			return out, nil
		}
		last := out[len(out)-1]
		cursorAt = &last.Timestamps.Created
		cursorID = last.ID
	}
}

func (p *Postgres) SaveCampaign(ctx context.Context, c *message.Campaign) error {
	record, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal campaign: %w", err)
	}
	query := `
		INSERT INTO campaigns (id, status, created_at, record)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			record = EXCLUDED.record,
			updated_at = now()
	`
	if _, err := p.pool.Exec(ctx, query, c.ID, string(c.Status), c.CreatedAt, record); err != nil {
		return fmt.Errorf("upsert campaign: %w", err)
	}
	return nil
}

func (p *Postgres) Campaign(ctx context.Context, id uuid.UUID) (*message.Campaign, error) {
	var record []byte
	err := p.pool.QueryRow(ctx, `SELECT record FROM campaigns WHERE id = $1`, id).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query campaign: %w", err)
	}
	var c message.Campaign
	if err := json.Unmarshal(record, &c); err != nil {
		return nil, fmt.Errorf("unmarshal campaign: %w", err)
	}
	return &c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *Postgres) scanMessage(row rowScanner) (*message.Message, error) {
	var (
		id              uuid.UUID
		channel, status string
		record          []byte
	)
	err := row.Scan(&id, &channel, &status, &record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}

	var rec messageRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal message record: %w", err)
	}
	return &message.Message{
		ID:         id,
		Channel:    message.Channel(channel),
		Status:     message.Status(status),
		Recipient:  rec.Recipient,
		Content:    rec.Content,
		Options:    rec.Options,
		Context:    rec.Context,
		Timestamps: rec.Timestamps,
		Metrics:    rec.Metrics,
		Result:     rec.Result,
	}, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
