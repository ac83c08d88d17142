package testutil

import (
	"context"
	"time"

	"github.com/autom8ter/myquery"
	_ "github.com/autom8ter/myquery/kv/badger"
	"github.com/brianvoe/gofakeit/v6"
)

const (
	UserCollection = "user"
	TaskCollection = "task"
)

// NewUserDoc returns a random user. Ids are left empty and assigned on insert.
func NewUserDoc() *myquery.Document {
	doc, err := myquery.NewDocumentFrom(map[string]any{
		"name": gofakeit.Name(),
		"contact": map[string]any{
			"email": gofakeit.Email(),
		},
		"account_id":      gofakeit.IntRange(0, 100),
		"language":        gofakeit.Language(),
		"birthday_month":  gofakeit.Month(),
		"favorite_number": gofakeit.Second(),
		"gender":          gofakeit.Gender(),
		"age":             gofakeit.IntRange(0, 100),
		"tags":            []any{gofakeit.HackerNoun(), gofakeit.HackerVerb()},
	})
	if err != nil {
		panic(err)
	}
	return doc
}

// NewTaskDoc returns a random task owned by usrID
func NewTaskDoc(usrID string) *myquery.Document {
	doc, err := myquery.NewDocumentFrom(map[string]any{
		"user":     usrID,
		"content":  gofakeit.LoremIpsumSentence(5),
		"priority": gofakeit.IntRange(1, 5),
		"done":     gofakeit.Bool(),
	})
	if err != nil {
		panic(err)
	}
	return doc
}

// NewDoc builds a document from a literal and panics on invalid input
func NewDoc(value map[string]any) *myquery.Document {
	doc, err := myquery.NewDocumentFrom(value)
	if err != nil {
		panic(err)
	}
	return doc
}

// DefaultConfig is an in-memory badger config
func DefaultConfig() myquery.Config {
	params := myquery.DefaultParameters()
	return myquery.Config{
		Provider:   "badger",
		Params:     map[string]any{"storage_path": ""},
		LogLevel:   "error",
		Parameters: &params,
	}
}

// TestDB opens an in-memory database, runs fn and closes it
func TestDB(fn func(ctx context.Context, db *myquery.DB), opts ...myquery.DBOpt) error {
	return TestDBWithConfig(DefaultConfig(), fn, opts...)
}

// TestDBWithConfig opens a database with cfg, runs fn and closes it
func TestDBWithConfig(cfg myquery.Config, fn func(ctx context.Context, db *myquery.DB), opts ...myquery.DBOpt) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := myquery.Open(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer db.Close(ctx)
	fn(ctx, db)
	return nil
}
