package myquery

import (
	"context"
	"sync"

	"github.com/autom8ter/myquery/errors"
)

// Cursor streams the results of a query. It owns a read transaction until it is exhausted or closed.
type Cursor struct {
	mu       sync.Mutex
	env      *execEnv
	root     *stage
	buffered []*member
	info     ExecInfo
	eof      bool
	done     bool
	finish   func()
	returned int
}

func newCursor(env *execEnv, sel *selection, finish func()) *Cursor {
	c := &Cursor{
		env:      env,
		root:     sel.run.root,
		buffered: sel.run.results,
		info:     sel.info,
		eof:      sel.run.eof,
		finish:   finish,
	}
	if c.eof && len(c.buffered) == 0 {
		c.Close()
	}
	return c
}

// Info reports how the plan of the query was chosen
func (c *Cursor) Info() ExecInfo {
	return c.info
}

// next returns the next member or nil once the plan is exhausted
func (c *Cursor) next(ctx context.Context) (*member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffered) > 0 {
		m := c.buffered[0]
		c.buffered = c.buffered[1:]
		c.returned++
		return m, nil
	}
	if c.eof {
		c.close()
		return nil, nil
	}
	for !c.done {
		if err := ctx.Err(); err != nil {
			c.close()
			return nil, errors.Wrap(err, errors.Interrupted, "cursor interrupted")
		}
		state, m, err := c.root.work(c.env)
		if err != nil {
			c.close()
			return nil, err
		}
		switch state {
		case stateAdvanced:
			c.returned++
			if err := c.env.maybeYield(c.root); err != nil {
				c.close()
				return nil, err
			}
			return m, nil
		case stateEOF:
			c.close()
			return nil, nil
		}
		if err := c.env.maybeYield(c.root); err != nil {
			c.close()
			return nil, err
		}
	}
	return nil, nil
}

// Next returns the next document. It returns false once the cursor is exhausted.
func (c *Cursor) Next(ctx context.Context) (*Document, bool, error) {
	m, err := c.next(ctx)
	if err != nil || m == nil {
		return nil, false, err
	}
	doc, err := NewDocumentFrom(m.fields())
	if err != nil {
		c.Close()
		return nil, false, err
	}
	return doc, true, nil
}

// All drains the cursor
func (c *Cursor) All(ctx context.Context) (Documents, error) {
	defer c.Close()
	var docs Documents
	for {
		doc, ok, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return docs, nil
		}
		docs = append(docs, doc)
	}
}

// Count drains the cursor without materializing documents
func (c *Cursor) Count(ctx context.Context) (int, error) {
	defer c.Close()
	var n int
	for {
		m, err := c.next(ctx)
		if err != nil {
			return 0, err
		}
		if m == nil {
			return n, nil
		}
		n++
	}
}

// Close releases the cursor's read transaction. It is safe to call more than once.
func (c *Cursor) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.close()
}

func (c *Cursor) close() {
	if c.done {
		return
	}
	c.done = true
	c.buffered = nil
	c.root.close()
	c.env.release()
	c.finish()
}
