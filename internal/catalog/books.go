package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hanpama/graphloader/internal/executor"
	"github.com/hanpama/graphloader/internal/federation"
	"github.com/hanpama/graphloader/internal/invalidation"
	"github.com/hanpama/graphloader/internal/loader"
	"github.com/hanpama/graphloader/internal/logging"
	"github.com/hanpama/graphloader/internal/registry"
)

// BooksSDL is the schema of the books subgraph.
const BooksSDL = `
type Query {
	books: [Book!]!
	book(id: ID!): Book
	author(id: ID!): Author
}

type Mutation {
	updateBook(id: ID!, title: String!): Book
}

type Book @key(fields: "id") {
	id: ID!
	title: String!
	year: Int!
	author: Author
}

type Author @key(fields: "id") {
	id: ID!
	name: String!
	books: [Book!]!
}
`

// Loader key types of the books subgraph.
const (
	BookKey        = "Book"
	AuthorKey      = "Author"
	AuthorBooksKey = "AuthorBooks"
)

// Options configures the catalog services.
type Options struct {
	// TTL of values in the shared cache. Zero disables shared caching.
	TTL    time.Duration
	Logger *zap.Logger
}

func bookTag(id string) string   { return federation.EntityTag("Book", id) }
func authorTag(id string) string { return federation.EntityTag("Author", id) }

// invalidate publishes tags on the request's bus. When there is no bus, or it
// refuses the event, the tagged entries are dropped from the shared cache
// directly so that the mutation never reports success over stale entries.
func invalidate(ctx context.Context, loaders *loader.Loaders, logger *zap.Logger, tags ...string) error {
	if _, ok := invalidation.FromContext(ctx); ok {
		targets := make([]invalidation.Target, len(tags))
		for i, t := range tags {
			targets[i] = invalidation.Tag(t)
		}
		_, err := invalidation.Publish(ctx, targets...)
		if err == nil {
			return nil
		}
		logger.Warn("publish invalidation, evicting locally",
			zap.Strings("tags", tags), zap.Error(err))
	}
	c := loaders.Cache()
	if c == nil {
		return nil
	}
	if _, err := c.DeleteByTag(context.WithoutCancel(ctx), tags...); err != nil {
		return fmt.Errorf("invalidate %v: %w", tags, err)
	}
	return nil
}

// NewBooks registers the books batch functions on loaders and returns the
// books subgraph service.
func NewBooks(store *Store, loaders *loader.Loaders, opt Options) (*federation.Service, error) {
	logger := logging.OrNop(opt.Logger)
	sub, err := federation.ParseSubgraph("books", BooksSDL)
	if err != nil {
		return nil, err
	}

	loaders.Register(BookKey, func(ctx context.Context, keys []loader.Key) ([]any, error) {
		rows, err := store.Books(ctx, ids(keys))
		if err != nil {
			return nil, err
		}
		return aligned(keys, rows), nil
	}, loader.CachePolicy{
		TTL:  opt.TTL,
		Tags: func(k loader.Key, _ any) []string { return []string{bookTag(k.ID)} },
	})

	loaders.Register(AuthorKey, func(ctx context.Context, keys []loader.Key) ([]any, error) {
		rows, err := store.Authors(ctx, ids(keys))
		if err != nil {
			return nil, err
		}
		return aligned(keys, rows), nil
	}, loader.CachePolicy{
		TTL:  opt.TTL,
		Tags: func(k loader.Key, _ any) []string { return []string{authorTag(k.ID)} },
	})

	// A cached list goes stale when any of its books changes.
	loaders.Register(AuthorBooksKey, func(ctx context.Context, keys []loader.Key) ([]any, error) {
		groups, err := store.BooksByAuthor(ctx, ids(keys))
		if err != nil {
			return nil, err
		}
		out := make([]any, len(keys))
		for i, k := range keys {
			if books := groups[k.ID]; books != nil {
				out[i] = books
			} else {
				out[i] = []*Book{}
			}
		}
		return out, nil
	}, loader.CachePolicy{
		TTL: opt.TTL,
		Tags: func(k loader.Key, v any) []string {
			tags := []string{authorTag(k.ID)}
			books, _ := v.([]*Book)
			for _, b := range books {
				tags = append(tags, bookTag(b.ID))
			}
			return tags
		},
	})

	reg := registry.New(sub.Schema(), registry.WithLogger(logger))
	reg.Field("Query", "books", func(ctx context.Context, _ *executor.FieldRequest) (any, error) {
		return store.AllBooks(ctx)
	})
	reg.Field("Query", "book", registry.LoadArg(BookKey, "id"))
	reg.Field("Query", "author", registry.LoadArg(AuthorKey, "id"))
	reg.Field("Book", "author", registry.LoadProperty(AuthorKey, "authorId"))
	reg.Field("Author", "books", registry.LoadProperty(AuthorBooksKey, "id"))
	reg.Field("Mutation", "updateBook", func(ctx context.Context, req *executor.FieldRequest) (any, error) {
		id, _ := registry.IDString(req.Args["id"])
		title, _ := req.Args["title"].(string)
		book, err := store.UpdateBook(ctx, id, title)
		if errors.Is(err, ErrNotFound) {
			return nil, registry.Errorf("NOT_FOUND", "book %s does not exist", id)
		}
		if err != nil {
			return nil, err
		}
		if err := invalidate(ctx, loaders, logger, bookTag(id)); err != nil {
			return nil, err
		}
		// Later loads in this execution must not see the old row.
		req.Loader.Clear(loader.K(BookKey, id))
		req.Loader.Prime(loader.K(BookKey, id), book)
		return book, nil
	})

	svc := federation.NewService(sub, reg, loaders, federation.WithServiceLogger(logger))
	svc.Entity("Book", federation.LoadEntity(BookKey, "id"))
	svc.Entity("Author", federation.LoadEntity(AuthorKey, "id"))
	return svc, nil
}

func ids(keys []loader.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.ID
	}
	return out
}

func aligned[T any](keys []loader.Key, rows map[string]*T) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		if r, ok := rows[k.ID]; ok {
			out[i] = r
		} else {
			out[i] = loader.NotFound
		}
	}
	return out
}
