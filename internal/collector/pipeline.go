package collector

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"crypto-data-collector/internal/apperr"
	"crypto-data-collector/internal/market"
	"crypto-data-collector/internal/model"
)

type Transformer interface {
	Transform(raw market.RawQuote) (model.Observation, error)
}

type Writer interface {
	EnsureIndex(ctx context.Context) error
	Upsert(ctx context.Context, obs model.Observation) (string, error)
}

type ItemError struct {
	Position int
	ID       string
	Err      error
}

type Report struct {
	Fetched    int
	Indexed    int
	Skipped    int
	Failed     int
	IndexedIDs []string
	Errors     []ItemError
}

// Empty reports a run that stored nothing although the provider answered.
func (r Report) Empty() bool {
	return r.Indexed == 0
}

// Pipeline runs fetch, transform and upsert once. Item failures are recorded
// and the remaining items still go through.
type Pipeline struct {
	fetcher     market.QuoteFetcher
	transformer Transformer
	writer      Writer
	log         logrus.FieldLogger
}

func New(fetcher market.QuoteFetcher, transformer Transformer, writer Writer, log logrus.FieldLogger) *Pipeline {
	return &Pipeline{
		fetcher:     fetcher,
		transformer: transformer,
		writer:      writer,
		log:         log,
	}
}

func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	var rep Report

	quotes, err := p.fetcher.Fetch(ctx)
	if err != nil {
		return rep, err
	}
	rep.Fetched = len(quotes)

	if err := p.writer.EnsureIndex(ctx); err != nil {
		return rep, err
	}

	for i, raw := range quotes {
		obs, err := p.transformer.Transform(raw)
		if err != nil {
			rep.Skipped++
			rep.Errors = append(rep.Errors, ItemError{Position: i, ID: schemaID(err), Err: err})
			p.log.WithError(err).WithFields(logrus.Fields{
				"stage":    apperr.Stage(err),
				"position": i,
			}).Warn("skipping malformed quote")
			continue
		}

		id, err := p.writer.Upsert(ctx, obs)
		if err != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, ItemError{Position: i, ID: obs.ID, Err: err})
			p.log.WithError(err).WithFields(logrus.Fields{
				"stage":    apperr.Stage(err),
				"position": i,
				"id":       obs.ID,
				"symbol":   obs.Symbol,
			}).Error("upsert failed")
			continue
		}
		rep.Indexed++
		rep.IndexedIDs = append(rep.IndexedIDs, id)
		p.log.WithFields(logrus.Fields{"id": id, "symbol": obs.Symbol}).Info("indexed document")
	}

	if rep.Empty() {
		p.log.WithField("fetched", rep.Fetched).Warn("collection stored no documents")
	}
	return rep, nil
}

func schemaID(err error) string {
	var se *apperr.SchemaError
	if errors.As(err, &se) {
		return se.ID
	}
	return ""
}
