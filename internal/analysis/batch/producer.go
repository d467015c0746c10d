// Package batch turns the ordered record stream into size-budgeted batches.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vietddude/chatdigest/internal/core/domain"
	"github.com/vietddude/chatdigest/internal/infra/storage"
)

// Config holds the paging and budget settings of a producer.
type Config struct {
	Filter         domain.RecordFilter
	PageSize       int
	MaxMessages    int // non-empty records to take, 0 = no cap
	MaxRecordChars int
	MaxBatchChars  int
	MaxBatchTokens int
}

// ConfigFromRun derives producer settings from a run config.
func ConfigFromRun(cfg *domain.RunConfig) Config {
	return Config{
		Filter:         cfg.Filter(),
		PageSize:       cfg.PageSize,
		MaxMessages:    cfg.MaxMessages,
		MaxRecordChars: cfg.MaxRecordChars,
		MaxBatchChars:  cfg.MaxBatchChars,
		MaxBatchTokens: cfg.MaxBatchTokens,
	}
}

// Producer pages the record store strictly after a cursor and groups records
// greedily into batches. Batch boundaries depend only on the record set, the
// start cursor and the budgets.
type Producer struct {
	repo   storage.RecordRepository
	cfg    Config
	logger *slog.Logger

	cursor    *domain.Cursor // last record fetched
	page      []domain.Record
	pos       int
	exhausted bool
	consumed  int // non-empty records taken, counts toward MaxMessages
	nextIndex int

	pending *domain.Record // record that overflowed the previous batch
	pendLn  string
}

// NewProducer creates a producer starting after start (nil = from the beginning).
// firstIndex is the index given to the first emitted batch.
func NewProducer(repo storage.RecordRepository, cfg Config, start *domain.Cursor, firstIndex int, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 2000
	}
	var cursor *domain.Cursor
	if start != nil {
		c := *start
		cursor = &c
	}
	return &Producer{
		repo:      repo,
		cfg:       cfg,
		logger:    logger,
		cursor:    cursor,
		nextIndex: firstIndex,
	}
}

// Next returns the next batch, or nil when the stream is exhausted.
func (p *Producer) Next(ctx context.Context) (*domain.Batch, error) {
	var (
		b     domain.Batch
		lines []string
	)

	add := func(rec domain.Record, line string) {
		n := LineLength(line)
		if len(b.Records) == 0 {
			b.FirstKey = rec.Cursor()
		}
		b.Records = append(b.Records, rec)
		b.LastKey = rec.Cursor()
		b.CharCount += n
		b.TokenEstimate += EstimateTokens(n)
		lines = append(lines, line)
	}

	if p.pending != nil {
		add(*p.pending, p.pendLn)
		p.pending = nil
	}

	for !p.capped() {
		rec, ok, err := p.nextRecord(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		line := FormatRecord(rec, p.cfg.MaxRecordChars)
		if line == "" {
			continue
		}
		p.consumed++

		n := LineLength(line)
		overflow := b.CharCount+n > p.cfg.MaxBatchChars ||
			b.TokenEstimate+EstimateTokens(n) > p.cfg.MaxBatchTokens
		if overflow && len(b.Records) > 0 {
			p.pending = &rec
			p.pendLn = line
			break
		}
		add(rec, line)
	}

	if len(b.Records) == 0 {
		return nil, nil
	}

	b.Index = p.nextIndex
	p.nextIndex++
	b.FormattedText = strings.Join(lines, "\n")
	return &b, nil
}

// nextRecord returns the next qualifying record, fetching pages as needed.
func (p *Producer) nextRecord(ctx context.Context) (domain.Record, bool, error) {
	if p.pos >= len(p.page) {
		if p.exhausted {
			return domain.Record{}, false, nil
		}
		if err := p.fetch(ctx); err != nil {
			return domain.Record{}, false, err
		}
		if len(p.page) == 0 {
			return domain.Record{}, false, nil
		}
	}

	rec := p.page[p.pos]
	p.pos++
	return rec, true, nil
}

// capped reports whether MaxMessages non-empty records have been taken.
func (p *Producer) capped() bool {
	return p.cfg.MaxMessages > 0 && p.consumed >= p.cfg.MaxMessages
}

func (p *Producer) fetch(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	page, err := p.repo.Page(ctx, p.cfg.Filter, p.cursor, p.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("failed to fetch page: %w", err)
	}

	p.page = page
	p.pos = 0
	if len(page) < p.cfg.PageSize {
		p.exhausted = true
	}
	if len(page) > 0 {
		last := page[len(page)-1].Cursor()
		p.cursor = &last
	}

	p.logger.Debug("Fetched record page", "records", len(page), "exhausted", p.exhausted)
	return nil
}
