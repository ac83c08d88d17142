package myquery

import (
	"fmt"
	"strings"
	"sync"

	"github.com/autom8ter/myquery/errors"
	"github.com/autom8ter/myquery/internal/encoding"
	"github.com/autom8ter/myquery/internal/safe"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Collation configures locale aware string comparison
type Collation struct {
	// Locale is a BCP 47 tag. "simple" compares strings bytewise.
	Locale string `json:"locale" validate:"required"`
	// Strength 1 ignores case and diacritics, 2 ignores case, 3 (default) compares both
	Strength int `json:"strength,omitempty"`
	// NumericOrdering compares digit sequences by their numeric value
	NumericOrdering bool `json:"numericOrdering,omitempty"`
}

// ID identifies the collation. A nil or simple collation returns "simple".
func (c *Collation) ID() string {
	if c.isSimple() {
		return "simple"
	}
	strength := c.Strength
	if strength == 0 {
		strength = 3
	}
	return fmt.Sprintf("%s/%d/%v", strings.ToLower(c.Locale), strength, c.NumericOrdering)
}

func (c *Collation) isSimple() bool {
	return c == nil || c.Locale == "" || c.Locale == "simple"
}

func (c *Collation) validate() error {
	if c.isSimple() {
		return nil
	}
	if _, err := language.Parse(c.Locale); err != nil {
		return errors.Wrap(err, errors.Validation, "invalid collation locale: %s", c.Locale)
	}
	if c.Strength < 0 || c.Strength > 3 {
		return errors.New(errors.Validation, "collation strength must be between 1 and 3")
	}
	return nil
}

func sameCollation(a, b *Collation) bool {
	return a.ID() == b.ID()
}

var collators = safe.NewMap[*sync.Pool](nil)

// collate.Collator keeps internal buffers so each goroutine borrows its own from a pool
func (c *Collation) pool() *sync.Pool {
	id := c.ID()
	pool, _ := collators.SetIfAbsent(id, func() (*sync.Pool, error) {
		tag := language.Make(c.Locale)
		var opts []collate.Option
		switch c.Strength {
		case 1:
			opts = append(opts, collate.IgnoreCase, collate.IgnoreDiacritics)
		case 2:
			opts = append(opts, collate.IgnoreCase)
		}
		if c.NumericOrdering {
			opts = append(opts, collate.Numeric)
		}
		return &sync.Pool{New: func() any {
			return collate.New(tag, opts...)
		}}, nil
	})
	return pool
}

func (c *Collation) compareStrings(a, b string) int {
	if c.isSimple() {
		return strings.Compare(a, b)
	}
	pool := c.pool()
	col := pool.Get().(*collate.Collator)
	defer pool.Put(col)
	return col.CompareString(a, b)
}

// keyFunc returns the sort key function used to encode strings in index keys
func (c *Collation) keyFunc() encoding.KeyFunc {
	if c.isSimple() {
		return nil
	}
	pool := c.pool()
	return func(s string) []byte {
		col := pool.Get().(*collate.Collator)
		defer pool.Put(col)
		var buf collate.Buffer
		key := col.KeyFromString(&buf, s)
		return append([]byte{}, key...)
	}
}
