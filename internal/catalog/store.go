// Package catalog is a demo book catalog split into two subgraphs: books,
// backed by SQLite, and reviews, which extends Book and is served over gRPC.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by writes to rows that do not exist.
var ErrNotFound = errors.New("catalog: not found")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS authors (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS books (
	id        TEXT PRIMARY KEY,
	title     TEXT NOT NULL,
	year      INTEGER NOT NULL,
	author_id TEXT NOT NULL REFERENCES authors(id)
);

CREATE INDEX IF NOT EXISTS idx_books_author ON books(author_id);

CREATE TABLE IF NOT EXISTS reviews (
	id         TEXT PRIMARY KEY,
	book_id    TEXT NOT NULL,
	body       TEXT NOT NULL,
	rating     INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reviews_book ON reviews(book_id, created_at);
`

type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Book struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Year     int    `json:"year"`
	AuthorID string `json:"authorId"`
}

type Review struct {
	ID        string    `json:"id"`
	BookID    string    `json:"bookId"`
	Body      string    `json:"body"`
	Rating    int       `json:"rating"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store reads and writes the catalog tables.
type Store struct {
	db      *sql.DB
	queries atomic.Uint64
	now     func() time.Time
}

// Open opens the SQLite database at dsn and creates the tables. The pool is
// limited to one connection, which also keeps ":memory:" databases alive.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: connect: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Queries returns the number of read statements run so far.
func (s *Store) Queries() uint64 { return s.queries.Load() }

// Seed inserts a small fixed catalog unless books already exist.
func (s *Store) Seed(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM books`).Scan(&n); err != nil {
		return fmt.Errorf("catalog: count books: %w", err)
	}
	if n > 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmts := []struct {
		query string
		args  []any
	}{
		{`INSERT INTO authors (id, name) VALUES (?, ?), (?, ?), (?, ?)`,
			[]any{"1", "Ursula K. Le Guin", "2", "Frank Herbert", "3", "Octavia E. Butler"}},
		{`INSERT INTO books (id, title, year, author_id) VALUES (?, ?, ?, ?), (?, ?, ?, ?), (?, ?, ?, ?), (?, ?, ?, ?)`,
			[]any{
				"1", "The Dispossessed", 1974, "1",
				"2", "The Left Hand of Darkness", 1969, "1",
				"3", "Dune", 1965, "2",
				"4", "Kindred", 1979, "3",
			}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("catalog: seed: %w", err)
		}
	}
	seedReviews := []Review{
		{BookID: "1", Body: "An ambiguous utopia that earns the subtitle.", Rating: 5},
		{BookID: "3", Body: "Dense, strange and worth it.", Rating: 4},
		{BookID: "3", Body: "The appendices alone are a book.", Rating: 5},
		{BookID: "4", Body: "Harrowing.", Rating: 5},
	}
	for i, r := range seedReviews {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reviews (id, book_id, body, rating, created_at) VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), r.BookID, r.Body, r.Rating, int64(i+1)); err != nil {
			return fmt.Errorf("catalog: seed reviews: %w", err)
		}
	}
	return tx.Commit()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func anyArgs(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func (s *Store) query(ctx context.Context, q string, args []any, scan func(*sql.Rows) error) error {
	s.queries.Add(1)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Books returns the books with the given ids, keyed by id, in one query.
func (s *Store) Books(ctx context.Context, ids []string) (map[string]*Book, error) {
	out := make(map[string]*Book, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q := `SELECT id, title, year, author_id FROM books WHERE id IN (` + placeholders(len(ids)) + `)`
	err := s.query(ctx, q, anyArgs(ids), func(rows *sql.Rows) error {
		var b Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Year, &b.AuthorID); err != nil {
			return err
		}
		out[b.ID] = &b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: books: %w", err)
	}
	return out, nil
}

// AllBooks lists every book ordered by id.
func (s *Store) AllBooks(ctx context.Context) ([]*Book, error) {
	out := []*Book{}
	err := s.query(ctx, `SELECT id, title, year, author_id FROM books ORDER BY id`, nil, func(rows *sql.Rows) error {
		var b Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Year, &b.AuthorID); err != nil {
			return err
		}
		out = append(out, &b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: all books: %w", err)
	}
	return out, nil
}

// BooksByAuthor groups the books of the given authors by author id.
func (s *Store) BooksByAuthor(ctx context.Context, authorIDs []string) (map[string][]*Book, error) {
	out := make(map[string][]*Book, len(authorIDs))
	if len(authorIDs) == 0 {
		return out, nil
	}
	q := `SELECT id, title, year, author_id FROM books WHERE author_id IN (` + placeholders(len(authorIDs)) + `) ORDER BY year`
	err := s.query(ctx, q, anyArgs(authorIDs), func(rows *sql.Rows) error {
		var b Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Year, &b.AuthorID); err != nil {
			return err
		}
		out[b.AuthorID] = append(out[b.AuthorID], &b)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: books by author: %w", err)
	}
	return out, nil
}

// Authors returns the authors with the given ids, keyed by id.
func (s *Store) Authors(ctx context.Context, ids []string) (map[string]*Author, error) {
	out := make(map[string]*Author, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q := `SELECT id, name FROM authors WHERE id IN (` + placeholders(len(ids)) + `)`
	err := s.query(ctx, q, anyArgs(ids), func(rows *sql.Rows) error {
		var a Author
		if err := rows.Scan(&a.ID, &a.Name); err != nil {
			return err
		}
		out[a.ID] = &a
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: authors: %w", err)
	}
	return out, nil
}

// UpdateBook sets the title of book id and returns the updated row.
func (s *Store) UpdateBook(ctx context.Context, id, title string) (*Book, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE books SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return nil, fmt.Errorf("catalog: update book %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, fmt.Errorf("book %s: %w", id, ErrNotFound)
	}
	books, err := s.Books(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	return books[id], nil
}

func scanReview(rows *sql.Rows) (*Review, error) {
	var (
		r       Review
		created int64
	)
	if err := rows.Scan(&r.ID, &r.BookID, &r.Body, &r.Rating, &created); err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	return &r, nil
}

// ReviewsByBook groups the reviews of the given books by book id, oldest
// first.
func (s *Store) ReviewsByBook(ctx context.Context, bookIDs []string) (map[string][]*Review, error) {
	out := make(map[string][]*Review, len(bookIDs))
	if len(bookIDs) == 0 {
		return out, nil
	}
	q := `SELECT id, book_id, body, rating, created_at FROM reviews WHERE book_id IN (` +
		placeholders(len(bookIDs)) + `) ORDER BY created_at, id`
	err := s.query(ctx, q, anyArgs(bookIDs), func(rows *sql.Rows) error {
		r, err := scanReview(rows)
		if err != nil {
			return err
		}
		out[r.BookID] = append(out[r.BookID], r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: reviews by book: %w", err)
	}
	return out, nil
}

// LatestReviews returns up to limit reviews, newest first.
func (s *Store) LatestReviews(ctx context.Context, limit int) ([]*Review, error) {
	out := []*Review{}
	q := `SELECT id, book_id, body, rating, created_at FROM reviews ORDER BY created_at DESC, id LIMIT ?`
	err := s.query(ctx, q, []any{limit}, func(rows *sql.Rows) error {
		r, err := scanReview(rows)
		if err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: latest reviews: %w", err)
	}
	return out, nil
}

// AddReview stores a review of bookID. The book is not checked; it may live
// in another service.
func (s *Store) AddReview(ctx context.Context, bookID, body string, rating int) (*Review, error) {
	r := &Review{ID: uuid.NewString(), BookID: bookID, Body: body, Rating: rating, CreatedAt: s.now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reviews (id, book_id, body, rating, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.BookID, r.Body, r.Rating, r.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("catalog: add review: %w", err)
	}
	return r, nil
}
