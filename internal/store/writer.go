package store

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"crypto-data-collector/internal/apperr"
	"crypto-data-collector/internal/model"
)

// IndexWriter writes observations into one named index.
type IndexWriter struct {
	backend Backend
	index   string
	log     logrus.FieldLogger
}

func NewIndexWriter(backend Backend, index string, log logrus.FieldLogger) *IndexWriter {
	return &IndexWriter{
		backend: backend,
		index:   index,
		log:     log.WithFields(logrus.Fields{"index": index, "backend": backend.Name()}),
	}
}

func (w *IndexWriter) Index() string { return w.index }

func (w *IndexWriter) EnsureIndex(ctx context.Context) error {
	exists, err := w.backend.IndexExists(ctx, w.index)
	if err != nil {
		return apperr.Storage("index exists", w.index, "", err)
	}
	if exists {
		return nil
	}
	if err := w.backend.CreateIndex(ctx, w.index); err != nil {
		return apperr.Storage("create index", w.index, "", err)
	}
	w.log.Info("created index")
	return nil
}

func (w *IndexWriter) Upsert(ctx context.Context, obs model.Observation) (string, error) {
	if obs.ID == "" {
		return "", apperr.Schema("upsert", "", "id", errors.New("empty document id"))
	}
	doc, err := model.Encode(obs)
	if err != nil {
		return "", apperr.Schema("upsert", obs.ID, "", err)
	}
	id, err := w.backend.Upsert(ctx, w.index, obs.ID, doc)
	if err != nil {
		return "", apperr.Storage("upsert", w.index, obs.ID, err)
	}
	return id, nil
}
