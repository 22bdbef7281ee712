package catalog

import (
	"context"

	"github.com/hanpama/graphloader/internal/executor"
	"github.com/hanpama/graphloader/internal/federation"
	"github.com/hanpama/graphloader/internal/loader"
	"github.com/hanpama/graphloader/internal/logging"
	"github.com/hanpama/graphloader/internal/registry"
)

// ReviewsSDL is the schema of the reviews subgraph.
const ReviewsSDL = `
type Query {
	latestReviews(limit: Int): [Review!]!
}

type Mutation {
	addReview(bookId: ID!, body: String!, rating: Int!): Review
}

type Review {
	id: ID!
	body: String!
	rating: Int!
	book: Book
}

extend type Book @key(fields: "id") {
	id: ID! @external
	reviews: [Review!]!
	averageRating: Float
}
`

// ReviewsOfBookKey is the loader key type of a book's review list.
const ReviewsOfBookKey = "ReviewsOfBook"

const defaultReviewLimit = 10

func reviewsTag(bookID string) string { return "reviews:" + bookID }

// NewReviews registers the reviews batch functions on loaders and returns the
// reviews subgraph service.
func NewReviews(store *Store, loaders *loader.Loaders, opt Options) (*federation.Service, error) {
	logger := logging.OrNop(opt.Logger)
	sub, err := federation.ParseSubgraph("reviews", ReviewsSDL)
	if err != nil {
		return nil, err
	}

	loaders.Register(ReviewsOfBookKey, func(ctx context.Context, keys []loader.Key) ([]any, error) {
		groups, err := store.ReviewsByBook(ctx, ids(keys))
		if err != nil {
			return nil, err
		}
		out := make([]any, len(keys))
		for i, k := range keys {
			if rs := groups[k.ID]; rs != nil {
				out[i] = rs
			} else {
				out[i] = []*Review{}
			}
		}
		return out, nil
	}, loader.CachePolicy{
		TTL:  opt.TTL,
		Tags: func(k loader.Key, _ any) []string { return []string{reviewsTag(k.ID)} },
	})

	reg := registry.New(sub.Schema(), registry.WithLogger(logger))
	reg.Field("Query", "latestReviews", func(ctx context.Context, req *executor.FieldRequest) (any, error) {
		limit := defaultReviewLimit
		if n, ok := req.Args["limit"].(int); ok {
			if n < 0 {
				return nil, registry.Errorf("BAD_USER_INPUT", "limit must not be negative")
			}
			limit = n
		}
		return store.LatestReviews(ctx, limit)
	})
	reg.Field("Review", "book", func(_ context.Context, req *executor.FieldRequest) (any, error) {
		id, _ := registry.Property(req.Source, "bookId")
		return map[string]any{"__typename": "Book", "id": id}, nil
	})
	reg.Field("Book", "reviews", registry.LoadProperty(ReviewsOfBookKey, "id"))
	reg.Field("Book", "averageRating", func(_ context.Context, req *executor.FieldRequest) (any, error) {
		id, ok := registry.IDString(propertyOf(req.Source, "id"))
		if !ok {
			return nil, nil
		}
		return req.Loader.Load(loader.K(ReviewsOfBookKey, id)).Then(func(v any) (any, error) {
			rs, _ := v.([]*Review)
			if len(rs) == 0 {
				return nil, nil
			}
			sum := 0
			for _, r := range rs {
				sum += r.Rating
			}
			return float64(sum) / float64(len(rs)), nil
		}), nil
	})
	reg.Field("Mutation", "addReview", func(ctx context.Context, req *executor.FieldRequest) (any, error) {
		bookID, _ := registry.IDString(req.Args["bookId"])
		body, _ := req.Args["body"].(string)
		rating, _ := req.Args["rating"].(int)
		if rating < 1 || rating > 5 {
			return nil, registry.Errorf("BAD_USER_INPUT", "rating must be between 1 and 5, got %d", rating)
		}
		r, err := store.AddReview(ctx, bookID, body, rating)
		if err != nil {
			return nil, err
		}
		// Gateways cache whole Book entities, reviews included.
		if err := invalidate(ctx, loaders, logger, reviewsTag(bookID), bookTag(bookID)); err != nil {
			return nil, err
		}
		req.Loader.Clear(loader.K(ReviewsOfBookKey, bookID))
		return r, nil
	})

	return federation.NewService(sub, reg, loaders, federation.WithServiceLogger(logger)), nil
}

func propertyOf(source any, name string) any {
	v, _ := registry.Property(source, name)
	return v
}
